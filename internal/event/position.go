package event

import (
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// OpenPosition asks to open a leveraged position.
// Idempotency key: command_id.
type OpenPosition struct {
	CommandID       uuid.UUID         `json:"command_id"`
	Trader          state.TraderID    `json:"trader"`
	Pool            state.PoolID      `json:"pool"`
	Pair            state.TradingPair `json:"pair"`
	Leverage        state.Leverage    `json:"leverage"`
	LeveragedAmount fpmath.Fixed      `json:"leveraged_amount"`      // Base currency units
	PriceLimit      *fpmath.Fixed     `json:"price_limit,omitempty"` // Max ask for longs, min bid for shorts
	Timestamp       time.Time         `json:"timestamp"`
}

func (e *OpenPosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *OpenPosition) EventType() EventType { return EventTypeOpenPosition }
func (e *OpenPosition) EventTime() time.Time { return e.Timestamp }

// ClosePosition asks to close a position owned by Trader.
type ClosePosition struct {
	CommandID  uuid.UUID        `json:"command_id"`
	Trader     state.TraderID   `json:"trader"`
	PositionID state.PositionID `json:"position_id"`
	PriceLimit *fpmath.Fixed    `json:"price_limit,omitempty"` // Min bid for longs, max ask for shorts
	Timestamp  time.Time        `json:"timestamp"`
}

func (e *ClosePosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *ClosePosition) EventType() EventType { return EventTypeClosePosition }
func (e *ClosePosition) EventTime() time.Time { return e.Timestamp }
