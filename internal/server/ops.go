package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"BucketLender/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// OpsServer serves metrics and probes on a separate port.
type OpsServer struct {
	addr       string
	router     chi.Router
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewOpsServer routes /metrics from gatherer and the probes of health.
func NewOpsServer(addr string, health *observability.HealthChecker, gatherer prometheus.Gatherer) *OpsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", health.LivenessHandler)
	r.Get("/readyz", health.ReadinessHandler)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &OpsServer{
		addr:   addr,
		router: r,
		logger: observability.NewLogger("ops"),
	}
}

func (s *OpsServer) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled.
func (s *OpsServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("ops server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
