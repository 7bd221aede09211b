package query

import "time"

// Amounts are base-unit decimal strings; ratios are decimal fractions.

// LenderResponse is the pool-level view of the lender.
type LenderResponse struct {
	AvailableTotal string `json:"available_total"`
	PrincipalTotal string `json:"principal_total"`
	CachedRepaid   string `json:"cached_repaid"`
	CriticalBucket uint64 `json:"critical_bucket"`
	CurrentBucket  uint64 `json:"current_bucket"`
	WasForceClosed bool   `json:"was_force_closed"`
	OwedBalance    string `json:"owed_balance"`
	HeldBalance    string `json:"held_balance"`
	Utilization    string `json:"utilization"` // principal / (available + principal)
	StateHash      string `json:"state_hash"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// BucketResponse is the state of one time bucket.
type BucketResponse struct {
	Bucket       uint64 `json:"bucket"`
	Available    string `json:"available"`
	Principal    string `json:"principal"`
	TotalWeight  string `json:"total_weight"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// AccountWeightResponse is one account's claim on one bucket. The pro-rata
// fields are estimates; a withdrawal settles them against live state.
type AccountWeightResponse struct {
	Bucket         uint64 `json:"bucket"`
	Account        string `json:"account"`
	Weight         string `json:"weight"`
	Share          string `json:"share"`
	ProRataOwed    string `json:"pro_rata_owed"`
	ProRataPending string `json:"pro_rata_principal"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// WithdrawalResponse is one settled withdrawal from one bucket.
type WithdrawalResponse struct {
	Sequence  int64     `json:"sequence"`
	Account   string    `json:"account"`
	Bucket    uint64    `json:"bucket"`
	Weight    string    `json:"weight"`
	OwedPaid  string    `json:"owed_paid"`
	HeldPaid  string    `json:"held_paid"`
	Timestamp time.Time `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventCount       int64             `json:"event_count"`
	ProjectionLag    int64             `json:"projection_lag"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	NegativeAccounts []NegativeAccount `json:"negative_accounts,omitempty"`
	// JournalReplayBreak is the first sequence whose journals overdraw a holder
	// when the journal table is re-applied in order.
	JournalReplayBreak *int64 `json:"journal_replay_break,omitempty"`
}

// NegativeAccount is an account whose journal entries net below zero.
type NegativeAccount struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Balance string `json:"balance"`
}
