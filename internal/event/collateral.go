package event

import (
	"time"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// Deposit credits trader collateral.
type Deposit struct {
	CommandID uuid.UUID      `json:"command_id"`
	Trader    state.TraderID `json:"trader"`
	Amount    fpmath.Fixed   `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Deposit) IdempotencyKey() string { return e.CommandID.String() }
func (e *Deposit) EventType() EventType { return EventTypeDeposit }
func (e *Deposit) EventTime() time.Time { return e.Timestamp }

// Withdraw debits trader collateral, bounded by the free balance.
type Withdraw struct {
	CommandID uuid.UUID      `json:"command_id"`
	Trader    state.TraderID `json:"trader"`
	Amount    fpmath.Fixed   `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e *Withdraw) IdempotencyKey() string { return e.CommandID.String() }
func (e *Withdraw) EventType() EventType { return EventTypeWithdraw }
func (e *Withdraw) EventTime() time.Time { return e.Timestamp }

// PoolLiquidityDeposit adds liquidity to a pool.
type PoolLiquidityDeposit struct {
	CommandID uuid.UUID    `json:"command_id"`
	Pool      state.PoolID `json:"pool"`
	Amount    fpmath.Fixed `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *PoolLiquidityDeposit) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolLiquidityDeposit) EventType() EventType { return EventTypePoolLiquidityDeposit }
func (e *PoolLiquidityDeposit) EventTime() time.Time { return e.Timestamp }

// PoolLiquidityWithdraw removes liquidity from a pool if it stays safe.
type PoolLiquidityWithdraw struct {
	CommandID uuid.UUID    `json:"command_id"`
	Pool      state.PoolID `json:"pool"`
	Amount    fpmath.Fixed `json:"amount"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *PoolLiquidityWithdraw) IdempotencyKey() string { return e.CommandID.String() }
func (e *PoolLiquidityWithdraw) EventType() EventType { return EventTypePoolLiquidityWithdraw }
func (e *PoolLiquidityWithdraw) EventTime() time.Time { return e.Timestamp }
