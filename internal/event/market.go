package event

import (
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// PriceUpdate sets the USD price of a currency.
type PriceUpdate struct {
	CommandID uuid.UUID      `json:"command_id"`
	Currency  state.Currency `json:"currency"`
	Price     fpmath.Fixed   `json:"price"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *PriceUpdate) IdempotencyKey() string { return e.CommandID.String() }
func (e *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }
func (e *PriceUpdate) EventTime() time.Time { return e.Timestamp }

// SwapRateUpdate advances the accumulated swap rate of a pair in a pool.
type SwapRateUpdate struct {
	CommandID uuid.UUID         `json:"command_id"`
	Pool      state.PoolID      `json:"pool"`
	Pair      state.TradingPair `json:"pair"`
	Delta     fpmath.Fixed      `json:"delta"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e *SwapRateUpdate) IdempotencyKey() string { return e.CommandID.String() }
func (e *SwapRateUpdate) EventType() EventType { return EventTypeSwapRateUpdate }
func (e *SwapRateUpdate) EventTime() time.Time { return e.Timestamp }
