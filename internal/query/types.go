package query

import (
	"github.com/google/uuid"
)

// PositionResponse is an open position with its mark-to-market values
// derived at query time.
type PositionResponse struct {
	ID              uint64    `json:"id"`
	Owner           uuid.UUID `json:"owner"`
	Pool            uint32    `json:"pool"`
	Pair            string    `json:"pair"`
	Side            string    `json:"side"`
	Multiple        uint8     `json:"multiple"`
	LeveragedHeld   string    `json:"leveraged_held"`
	LeveragedDebit  string    `json:"leveraged_debit"`
	HeldInUSD       string    `json:"held_in_usd"`
	OpenMargin      string    `json:"open_margin"`
	OpenPrice       string    `json:"open_price"`
	UnrealizedPL    string    `json:"unrealized_pl"`    // Derived at query time
	AccumulatedSwap string    `json:"accumulated_swap"` // Derived at query time
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// TraderResponse summarizes a trader's collateral and risk.
// MarginLevel is nil while the trader holds no exposure.
type TraderResponse struct {
	Trader       uuid.UUID          `json:"trader"`
	Balance      string             `json:"balance"`
	MarginHeld   string             `json:"margin_held"`
	FreeBalance  string             `json:"free_balance"`
	Equity       string             `json:"equity"`
	MarginLevel  *string            `json:"margin_level"`
	Safety       string             `json:"safety"`
	Positions    []PositionResponse `json:"positions"`
	AsOfSequence int64              `json:"as_of_sequence"`
}

// PoolResponse summarizes a pool's liquidity and risk. ENP and ELL are nil
// while the corresponding exposure is zero.
type PoolResponse struct {
	Pool          uint32  `json:"pool"`
	Liquidity     string  `json:"liquidity"`
	Equity        string  `json:"equity"`
	LongExposure  string  `json:"long_exposure"`
	ShortExposure string  `json:"short_exposure"`
	ENP           *string `json:"enp"`
	ELL           *string `json:"ell"`
	Safety        string  `json:"safety"`
	OpenPositions int     `json:"open_positions"`
	AsOfSequence  int64   `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	PositionID    *int64 `json:"position_id,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// ClosedPositionResponse is a settled position from the projections.
type ClosedPositionResponse struct {
	PositionID   int64     `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	Pool         int64     `json:"pool"`
	Pair         string    `json:"pair"`
	Side         string    `json:"side"`
	Multiple     int       `json:"multiple"`
	Held         string    `json:"held"`
	OpenMargin   string    `json:"open_margin"`
	Realized     string    `json:"realized"`
	Settled      string    `json:"settled"`
	ClosedBy     string    `json:"closed_by"`
	Sequence     int64     `json:"sequence"`
	Timestamp    int64     `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SafetyTransitionResponse is one recorded safety state change.
type SafetyTransitionResponse struct {
	Sequence  int64  `json:"sequence"`
	Subject   string `json:"subject"`
	SubjectID string `json:"subject_id"`
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// SystemStatus reports the live core position against the projections.
type SystemStatus struct {
	NextSequence       int64  `json:"next_sequence"`
	StateHash          string `json:"state_hash"`
	ProjectionSequence int64  `json:"projection_sequence"`
	OpenPositions      int    `json:"open_positions"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// Non-zero sum of every projected account balance.
	Imbalance string `json:"imbalance,omitempty"`
}
