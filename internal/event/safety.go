package event

import (
	"time"

	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// TraderSafetyCommand drives the trader safety state machine. Kind is one of
// EventTypeTraderMarginCall, EventTypeTraderBecomeSafe, EventTypeTraderStopOut
// and travels in the subject or the log's event_type column, not the payload.
type TraderSafetyCommand struct {
	CommandID uuid.UUID      `json:"command_id"`
	Kind      EventType      `json:"-"`
	Trader    state.TraderID `json:"trader"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *TraderSafetyCommand) IdempotencyKey() string { return e.CommandID.String() }
func (e *TraderSafetyCommand) EventType() EventType { return e.Kind }
func (e *TraderSafetyCommand) EventTime() time.Time { return e.Timestamp }

// PoolSafetyCommand drives the pool safety state machine. Kind is one of
// EventTypePoolMarginCall, EventTypePoolBecomeSafe, EventTypePoolStopOut.
type PoolSafetyCommand struct {
	CommandID uuid.UUID    `json:"command_id"`
	Kind      EventType    `json:"-"`
	Pool      state.PoolID `json:"pool"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *PoolSafetyCommand) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolSafetyCommand) EventType() EventType { return e.Kind }
func (e *PoolSafetyCommand) EventTime() time.Time { return e.Timestamp }
