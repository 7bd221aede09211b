package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"BucketLender/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SubjectPrefix roots every inbound command subject:
// lender.cmd.{partition}.{EventType}
const SubjectPrefix = "lender.cmd"

// SubjectFor returns the subject a command of eventType is published on.
func SubjectFor(partition string, eventType event.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, partition, eventType)
}

// SplitSubject extracts partition and event type from a command subject.
func SplitSubject(subject string) (string, event.EventType, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0]+"."+parts[1] != SubjectPrefix {
		return "", event.EventTypeUnknown, fmt.Errorf("malformed command subject %q", subject)
	}
	et := event.ParseEventType(parts[3])
	if et == event.EventTypeUnknown {
		return "", et, fmt.Errorf("unknown event type in subject %q", subject)
	}
	return parts[2], et, nil
}

// ParseRawEvent converts a RawEvent into a typed event.Event. The partition and
// event type come from the subject.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	partition, et, err := SplitSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return Parse(partition, et, raw.Data)
}

// Parse decodes a command payload of the given type.
func Parse(partition string, et event.EventType, data []byte) (event.Event, error) {
	switch et {
	case event.EventTypeTokenIssued:
		return parseTokenIssued(partition, data)
	case event.EventTypeTokenTransferred:
		return parseTokenTransferred(partition, data)
	case event.EventTypeLenderDeposit:
		return parseLenderDeposit(partition, data)
	case event.EventTypeLenderWithdraw:
		return parseLenderWithdraw(partition, data)
	case event.EventTypeBucketsRebalance:
		return parseBucketsRebalance(partition, data)
	case event.EventTypeExcessTokenSweep:
		return parseExcessTokenSweep(partition, data)
	case event.EventTypePositionOpened:
		return parsePositionOpened(partition, data)
	case event.EventTypePositionIncreased:
		return parsePositionIncreased(partition, data)
	case event.EventTypePositionClosed:
		return parsePositionClosed(partition, data)
	case event.EventTypeCollateralDeposited:
		return parseCollateralDeposited(partition, data)
	case event.EventTypeMarginCallRequested:
		return parseMarginCallRequested(partition, data)
	case event.EventTypeMarginCallCanceled:
		return parseMarginCallCanceled(partition, data)
	case event.EventTypeCollateralForceRecovered:
		return parseCollateralForceRecovered(partition, data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses and hashes
// are 0x-hex; amounts are decimal strings (0x-hex accepted).

type metaJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Sequence       int64  `json:"sequence"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func (m metaJSON) meta(partition string) (event.Meta, error) {
	if m.IdempotencyKey == "" {
		return event.Meta{}, fmt.Errorf("missing idempotency_key")
	}
	if m.TimestampUs <= 0 {
		return event.Meta{}, fmt.Errorf("missing timestamp_us")
	}
	return event.Meta{
		Key:       m.IdempotencyKey,
		Source:    partition,
		Sequence:  m.Sequence,
		Timestamp: time.UnixMicro(m.TimestampUs),
	}, nil
}

func metaToJSON(m event.Meta) metaJSON {
	return metaJSON{IdempotencyKey: m.Key, Sequence: m.Sequence, TimestampUs: m.Timestamp.UnixMicro()}
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("parse %s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := decodeHex(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("parse %s: invalid hash %q", field, s)
	}
	return common.BytesToHash(b), nil
}

func decodeHex(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, fmt.Errorf("missing 0x prefix")
	}
	return common.FromHex(s), nil
}

// ParseAmount accepts a decimal or 0x-hex unsigned 256-bit amount.
func ParseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: missing amount", field)
	}
	var (
		v   *uint256.Int
		err error
	)
	if strings.HasPrefix(s, "0x") {
		v, err = uint256.FromHex(s)
	} else {
		v, err = uint256.FromDecimal(s)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

// fieldParser collects the first parse error across several fields.
type fieldParser struct {
	err error
}

func (p *fieldParser) address(field, s string) common.Address {
	if p.err != nil {
		return common.Address{}
	}
	a, err := parseAddress(field, s)
	p.err = err
	return a
}

func (p *fieldParser) hash(field, s string) common.Hash {
	if p.err != nil {
		return common.Hash{}
	}
	h, err := parseHash(field, s)
	p.err = err
	return h
}

func (p *fieldParser) amount(field, s string) *uint256.Int {
	if p.err != nil {
		return nil
	}
	v, err := ParseAmount(field, s)
	p.err = err
	return v
}

type tokenIssuedJSON struct {
	metaJSON
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func parseTokenIssued(partition string, data []byte) (*event.TokenIssued, error) {
	var j tokenIssuedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TokenIssued: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse TokenIssued: %w", err)
	}
	var p fieldParser
	evt := &event.TokenIssued{
		Meta:   m,
		Token:  p.address("token", j.Token),
		To:     p.address("to", j.To),
		Amount: p.amount("amount", j.Amount),
	}
	return evt, p.err
}

type tokenTransferredJSON struct {
	metaJSON
	Token  string `json:"token"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func parseTokenTransferred(partition string, data []byte) (*event.TokenTransferred, error) {
	var j tokenTransferredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TokenTransferred: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse TokenTransferred: %w", err)
	}
	var p fieldParser
	evt := &event.TokenTransferred{
		Meta:   m,
		Token:  p.address("token", j.Token),
		From:   p.address("from", j.From),
		To:     p.address("to", j.To),
		Amount: p.amount("amount", j.Amount),
	}
	return evt, p.err
}

type lenderDepositJSON struct {
	metaJSON
	Depositor   string `json:"depositor"`
	Beneficiary string `json:"beneficiary"`
	Amount      string `json:"amount"`
}

func parseLenderDeposit(partition string, data []byte) (*event.LenderDeposit, error) {
	var j lenderDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LenderDeposit: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse LenderDeposit: %w", err)
	}
	if j.Beneficiary == "" {
		j.Beneficiary = j.Depositor
	}
	var p fieldParser
	evt := &event.LenderDeposit{
		Meta:        m,
		Depositor:   p.address("depositor", j.Depositor),
		Beneficiary: p.address("beneficiary", j.Beneficiary),
		Amount:      p.amount("amount", j.Amount),
	}
	return evt, p.err
}

type lenderWithdrawJSON struct {
	metaJSON
	Caller     string   `json:"caller"`
	OnBehalfOf string   `json:"on_behalf_of"`
	Buckets    []uint64 `json:"buckets"`
	Weights    []string `json:"weights"` // "max" or empty redeems all
}

func parseLenderWithdraw(partition string, data []byte) (*event.LenderWithdraw, error) {
	var j lenderWithdrawJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LenderWithdraw: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse LenderWithdraw: %w", err)
	}
	if j.OnBehalfOf == "" {
		j.OnBehalfOf = j.Caller
	}
	var p fieldParser
	evt := &event.LenderWithdraw{
		Meta:       m,
		Caller:     p.address("caller", j.Caller),
		OnBehalfOf: p.address("on_behalf_of", j.OnBehalfOf),
		Buckets:    j.Buckets,
		Weights:    make([]*uint256.Int, len(j.Weights)),
	}
	for i, w := range j.Weights {
		if w == "" || w == "max" {
			continue
		}
		evt.Weights[i] = p.amount(fmt.Sprintf("weights[%d]", i), w)
	}
	return evt, p.err
}

func parseBucketsRebalance(partition string, data []byte) (*event.BucketsRebalance, error) {
	var j metaJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BucketsRebalance: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse BucketsRebalance: %w", err)
	}
	return &event.BucketsRebalance{Meta: m}, nil
}

type excessTokenSweepJSON struct {
	metaJSON
	Token     string `json:"token"`
	Recipient string `json:"recipient"`
}

func parseExcessTokenSweep(partition string, data []byte) (*event.ExcessTokenSweep, error) {
	var j excessTokenSweepJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ExcessTokenSweep: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse ExcessTokenSweep: %w", err)
	}
	var p fieldParser
	evt := &event.ExcessTokenSweep{
		Meta:      m,
		Token:     p.address("token", j.Token),
		Recipient: p.address("recipient", j.Recipient),
	}
	return evt, p.err
}

type positionOpenedJSON struct {
	metaJSON
	Opener         string `json:"opener"`
	Lender         string `json:"lender"`
	Nonce          uint64 `json:"nonce"`
	Principal      string `json:"principal"`
	Deposit        string `json:"deposit"`
	OwedToken      string `json:"owed_token"`
	HeldToken      string `json:"held_token"`
	InterestRate   uint32 `json:"interest_rate"`
	InterestPeriod uint32 `json:"interest_period"`
	MaxDuration    uint32 `json:"max_duration"`
	CallTimeLimit  uint32 `json:"call_time_limit"`
}

func parsePositionOpened(partition string, data []byte) (*event.PositionOpened, error) {
	var j positionOpenedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOpened: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse PositionOpened: %w", err)
	}
	var p fieldParser
	evt := &event.PositionOpened{
		Meta:           m,
		Opener:         p.address("opener", j.Opener),
		Lender:         p.address("lender", j.Lender),
		Nonce:          j.Nonce,
		Principal:      p.amount("principal", j.Principal),
		Deposit:        p.amount("deposit", j.Deposit),
		OwedToken:      p.address("owed_token", j.OwedToken),
		HeldToken:      p.address("held_token", j.HeldToken),
		InterestRate:   j.InterestRate,
		InterestPeriod: j.InterestPeriod,
		MaxDuration:    j.MaxDuration,
		CallTimeLimit:  j.CallTimeLimit,
	}
	return evt, p.err
}

type positionIncreasedJSON struct {
	metaJSON
	Trader     string `json:"trader"`
	PositionID string `json:"position_id"`
	Principal  string `json:"principal"`
	Payer      string `json:"payer"`
}

func parsePositionIncreased(partition string, data []byte) (*event.PositionIncreased, error) {
	var j positionIncreasedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionIncreased: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse PositionIncreased: %w", err)
	}
	var p fieldParser
	evt := &event.PositionIncreased{
		Meta:       m,
		Trader:     p.address("trader", j.Trader),
		PositionID: p.hash("position_id", j.PositionID),
		Principal:  p.amount("principal", j.Principal),
		Payer:      p.address("payer", j.Payer),
	}
	return evt, p.err
}

type positionClosedJSON struct {
	metaJSON
	Closer     string `json:"closer"`
	PositionID string `json:"position_id"`
	Principal  string `json:"principal"`
}

func parsePositionClosed(partition string, data []byte) (*event.PositionClosed, error) {
	var j positionClosedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionClosed: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse PositionClosed: %w", err)
	}
	var p fieldParser
	evt := &event.PositionClosed{
		Meta:       m,
		Closer:     p.address("closer", j.Closer),
		PositionID: p.hash("position_id", j.PositionID),
		Principal:  p.amount("principal", j.Principal),
	}
	return evt, p.err
}

type collateralDepositedJSON struct {
	metaJSON
	Depositor  string `json:"depositor"`
	PositionID string `json:"position_id"`
	Amount     string `json:"amount"`
}

func parseCollateralDeposited(partition string, data []byte) (*event.CollateralDeposited, error) {
	var j collateralDepositedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralDeposited: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse CollateralDeposited: %w", err)
	}
	var p fieldParser
	evt := &event.CollateralDeposited{
		Meta:       m,
		Depositor:  p.address("depositor", j.Depositor),
		PositionID: p.hash("position_id", j.PositionID),
		Amount:     p.amount("amount", j.Amount),
	}
	return evt, p.err
}

type marginCallJSON struct {
	metaJSON
	Caller          string `json:"caller"`
	PositionID      string `json:"position_id"`
	RequiredDeposit string `json:"required_deposit,omitempty"`
}

func parseMarginCallRequested(partition string, data []byte) (*event.MarginCallRequested, error) {
	var j marginCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarginCallRequested: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse MarginCallRequested: %w", err)
	}
	if j.RequiredDeposit == "" {
		j.RequiredDeposit = "0"
	}
	var p fieldParser
	evt := &event.MarginCallRequested{
		Meta:            m,
		Caller:          p.address("caller", j.Caller),
		PositionID:      p.hash("position_id", j.PositionID),
		RequiredDeposit: p.amount("required_deposit", j.RequiredDeposit),
	}
	return evt, p.err
}

func parseMarginCallCanceled(partition string, data []byte) (*event.MarginCallCanceled, error) {
	var j marginCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MarginCallCanceled: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse MarginCallCanceled: %w", err)
	}
	var p fieldParser
	evt := &event.MarginCallCanceled{
		Meta:       m,
		Caller:     p.address("caller", j.Caller),
		PositionID: p.hash("position_id", j.PositionID),
	}
	return evt, p.err
}

type forceRecoverJSON struct {
	metaJSON
	Caller     string `json:"caller"`
	PositionID string `json:"position_id"`
	Recipient  string `json:"recipient"`
}

func parseCollateralForceRecovered(partition string, data []byte) (*event.CollateralForceRecovered, error) {
	var j forceRecoverJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralForceRecovered: %w", err)
	}
	m, err := j.meta(partition)
	if err != nil {
		return nil, fmt.Errorf("parse CollateralForceRecovered: %w", err)
	}
	var p fieldParser
	evt := &event.CollateralForceRecovered{
		Meta:       m,
		Caller:     p.address("caller", j.Caller),
		PositionID: p.hash("position_id", j.PositionID),
		Recipient:  p.address("recipient", j.Recipient),
	}
	return evt, p.err
}
