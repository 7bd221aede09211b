package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"BucketLender/internal/core"
	"BucketLender/internal/ingestion"
	"BucketLender/internal/observability"
	"BucketLender/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/cors"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Submitter injects lender commands into the core and waits for the verdict.
type Submitter interface {
	SubmitDeposit(ctx context.Context, key string, depositor, beneficiary common.Address, amount *uint256.Int) error
	SubmitWithdraw(ctx context.Context, key string, caller, onBehalfOf common.Address, buckets []uint64, weights []*uint256.Int) error
	SubmitRebalance(ctx context.Context, key string) error
	SubmitSweep(ctx context.Context, key string, token, recipient common.Address) error
}

// Reader serves the read side from projections.
type Reader interface {
	GetLender(ctx context.Context) (*query.LenderResponse, error)
	GetBucket(ctx context.Context, bucket uint64) (*query.BucketResponse, error)
	GetAccountWeight(ctx context.Context, bucket uint64, account common.Address) (*query.AccountWeightResponse, error)
	GetAccountWeights(ctx context.Context, account common.Address) ([]query.AccountWeightResponse, error)
	GetWithdrawals(ctx context.Context, account common.Address, limit int, before int64) ([]query.WithdrawalResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Addr           string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	SubmitTimeout  time.Duration
}

// APIServer serves the JSON API on a grpc-gateway ServeMux.
type APIServer struct {
	cfg        APIConfig
	submitter  Submitter
	reader     Reader
	metrics    *observability.Metrics
	logger     zerolog.Logger
	httpServer *http.Server
}

func NewAPIServer(cfg APIConfig, submitter Submitter, reader Reader, metrics *observability.Metrics) *APIServer {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	return &APIServer{
		cfg:       cfg,
		submitter: submitter,
		reader:    reader,
		metrics:   metrics,
		logger:    observability.NewLogger("api"),
	}
}

// Handler builds the routed, rate-limited, CORS-wrapped handler.
func (s *APIServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, name string
		h                     runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/lender", "lender", s.getLender},
		{http.MethodGet, "/v1/buckets/{bucket}", "bucket", s.getBucket},
		{http.MethodGet, "/v1/buckets/{bucket}/accounts/{account}", "bucket_account", s.getBucketAccount},
		{http.MethodGet, "/v1/accounts/{account}/weights", "account_weights", s.getAccountWeights},
		{http.MethodGet, "/v1/accounts/{account}/withdrawals", "account_withdrawals", s.getWithdrawals},
		{http.MethodGet, "/v1/admin/integrity", "integrity", s.getIntegrity},
		{http.MethodPost, "/v1/deposits", "deposit", s.postDeposit},
		{http.MethodPost, "/v1/withdrawals", "withdraw", s.postWithdraw},
		{http.MethodPost, "/v1/rebalance", "rebalance", s.postRebalance},
		{http.MethodPost, "/v1/sweeps", "sweep", s.postSweep},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.instrument(r.name, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	limited := NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst).Middleware(mux)
	return cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", HeaderSignature},
		MaxAge:         300,
	})(limited), nil
}

// Start serves until ctx is cancelled.
func (s *APIServer) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r, params)
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			s.metrics.QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			if rec.status >= 400 {
				s.metrics.QueryErrors.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
			}
		}
	}
}

// --- read handlers ---

func (s *APIServer) getLender(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.reader.GetLender(r.Context())
	s.respond(w, resp, err)
}

func (s *APIServer) getBucket(w http.ResponseWriter, r *http.Request, params map[string]string) {
	bucket, err := strconv.ParseUint(params["bucket"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bucket")
		return
	}
	resp, err := s.reader.GetBucket(r.Context(), bucket)
	s.respond(w, resp, err)
}

func (s *APIServer) getBucketAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	bucket, err := strconv.ParseUint(params["bucket"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid bucket")
		return
	}
	account, ok := pathAddress(w, params["account"])
	if !ok {
		return
	}
	resp, err := s.reader.GetAccountWeight(r.Context(), bucket, account)
	s.respond(w, resp, err)
}

func (s *APIServer) getAccountWeights(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := pathAddress(w, params["account"])
	if !ok {
		return
	}
	resp, err := s.reader.GetAccountWeights(r.Context(), account)
	if resp == nil && err == nil {
		resp = []query.AccountWeightResponse{}
	}
	s.respond(w, resp, err)
}

func (s *APIServer) getWithdrawals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, ok := pathAddress(w, params["account"])
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
	resp, err := s.reader.GetWithdrawals(r.Context(), account, limit, before)
	if resp == nil && err == nil {
		resp = []query.WithdrawalResponse{}
	}
	s.respond(w, resp, err)
}

func (s *APIServer) getIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.reader.VerifyIntegrity(r.Context())
	s.respond(w, resp, err)
}

// --- command handlers ---

type depositRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Depositor      string `json:"depositor"`
	Beneficiary    string `json:"beneficiary"`
	Amount         string `json:"amount"`
}

type withdrawRequest struct {
	IdempotencyKey string   `json:"idempotency_key"`
	Caller         string   `json:"caller"`
	OnBehalfOf     string   `json:"on_behalf_of"`
	Buckets        []uint64 `json:"buckets"`
	Weights        []string `json:"weights"`
}

type rebalanceRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type sweepRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Token          string `json:"token"`
	Recipient      string `json:"recipient"`
}

type acceptedResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
}

// postDeposit pulls the signer's tokens. The beneficiary defaults to the signer.
func (s *APIServer) postDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req depositRequest
	signer, ok := decodeSigned(w, r, &req)
	if !ok {
		return
	}
	key, ok := signedKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	depositor, err := actingAs("depositor", req.Depositor, signer)
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	beneficiary := depositor
	var err1 error
	if req.Beneficiary != "" {
		beneficiary, err1 = parseAddress("beneficiary", req.Beneficiary)
	}
	amount, err2 := ingestion.ParseAmount("amount", req.Amount)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.submit(w, r, key, func(ctx context.Context) error {
		return s.submitter.SubmitDeposit(ctx, key, depositor, beneficiary, amount)
	})
}

// postWithdraw pays the signer. Withdrawing on behalf of another account is left
// to the core, which only allows trusted withdrawers.
func (s *APIServer) postWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req withdrawRequest
	signer, ok := decodeSigned(w, r, &req)
	if !ok {
		return
	}
	key, ok := signedKey(w, r, req.IdempotencyKey)
	if !ok {
		return
	}
	caller, err := actingAs("caller", req.Caller, signer)
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	onBehalfOf := caller
	if req.OnBehalfOf != "" {
		if onBehalfOf, err = parseAddress("on_behalf_of", req.OnBehalfOf); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if len(req.Buckets) != len(req.Weights) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d buckets but %d weights", len(req.Buckets), len(req.Weights)))
		return
	}
	weights := make([]*uint256.Int, len(req.Weights))
	for i, ws := range req.Weights {
		if ws == "" || ws == "max" {
			continue
		}
		v, err := ingestion.ParseAmount(fmt.Sprintf("weights[%d]", i), ws)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		weights[i] = v
	}

	s.submit(w, r, key, func(ctx context.Context) error {
		return s.submitter.SubmitWithdraw(ctx, key, caller, onBehalfOf, req.Buckets, weights)
	})
}

func (s *APIServer) postRebalance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req rebalanceRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	key := idempotencyKey(r, req.IdempotencyKey)
	s.submit(w, r, key, func(ctx context.Context) error {
		return s.submitter.SubmitRebalance(ctx, key)
	})
}

func (s *APIServer) postSweep(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req sweepRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token, err1 := parseAddress("token", req.Token)
	recipient, err2 := parseAddress("recipient", req.Recipient)
	if err := errors.Join(err1, err2); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := idempotencyKey(r, req.IdempotencyKey)
	s.submit(w, r, key, func(ctx context.Context) error {
		return s.submitter.SubmitSweep(ctx, key, token, recipient)
	})
}

// submit runs a command and maps the core's verdict to an HTTP status. An
// empty key is filled in by the ingest service.
func (s *APIServer) submit(w http.ResponseWriter, r *http.Request, key string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		writeJSON(w, http.StatusOK, acceptedResponse{IdempotencyKey: key, Status: "applied"})
		return
	}

	var rej *core.RejectionError
	switch {
	case errors.As(err, &rej):
		writeError(w, rejectionStatus(rej.Reason), err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "core did not answer in time")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func rejectionStatus(reason string) int {
	switch reason {
	case "authorization":
		return http.StatusForbidden
	case "insufficient_balance", "arithmetic":
		return http.StatusUnprocessableEntity
	case "state", "position", "sequence", "timestamp":
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// --- helpers ---

func (s *APIServer) respond(w http.ResponseWriter, v interface{}, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, v)
	case errors.Is(err, query.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error().Err(err).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}

// signedKey requires an idempotency key on signed commands; a replayed signature
// then lands on the same key and is dropped as a duplicate.
func signedKey(w http.ResponseWriter, r *http.Request, body string) (string, bool) {
	key := idempotencyKey(r, body)
	if key == "" {
		writeError(w, http.StatusBadRequest, "signed commands need an idempotency key")
		return "", false
	}
	return key, true
}

func writeIdentityError(w http.ResponseWriter, err error) {
	var imp errImpersonation
	if errors.As(err, &imp) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err == nil {
		err = decodeJSON(body, v)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func decodeJSON(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func pathAddress(w http.ResponseWriter, s string) (common.Address, bool) {
	addr, err := parseAddress("account", s)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
