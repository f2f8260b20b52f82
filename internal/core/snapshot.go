package core

import (
	"fmt"
	"slices"
	"strings"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/market"
	"MarginLedger/internal/state"
)

// TrackedBalance is one journaled account balance in a snapshot.
type TrackedBalance struct {
	Account ledger.AccountKey `json:"account"`
	Balance fpmath.Fixed      `json:"balance"`
}

// SnapshotState is the serializable in-memory state of a processor.
type SnapshotState struct {
	// Last applied sequence; -1 before the first command.
	Sequence         int64                           `json:"sequence"`
	StateHash        [32]byte                        `json:"state_hash"`
	Ledger           *state.Snapshot                 `json:"ledger"`
	Prices           map[state.Currency]fpmath.Fixed `json:"prices"`
	Pools            []market.PoolInfo               `json:"pools"`
	TraderThresholds map[string]state.RiskThreshold  `json:"trader_thresholds"`
	Accounts         []TrackedBalance                `json:"accounts"`
	IdempotencyKeys  []string                        `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (p *Processor) CreateSnapshotState() *SnapshotState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	balances := p.tracker.Snapshot()
	accounts := make([]TrackedBalance, 0, len(balances))
	for key, b := range balances {
		accounts = append(accounts, TrackedBalance{Account: key, Balance: b})
	}
	slices.SortFunc(accounts, func(a, b TrackedBalance) int {
		return strings.Compare(a.Account.AccountPath(), b.Account.AccountPath())
	})

	return &SnapshotState{
		Sequence:         p.sequence - 1,
		StateHash:        p.hasher.GetPrevHash(),
		Ledger:           p.ledger.Snapshot(),
		Prices:           p.oracle.Prices(),
		Pools:            p.registry.Pools(),
		TraderThresholds: p.registry.TraderThresholds(),
		Accounts:         accounts,
		IdempotencyKeys:  p.idempotency.Keys(),
	}
}

// RestoreFromSnapshot replaces the processor state with a snapshot. Events
// after snap.Sequence must then be replayed.
func (p *Processor) RestoreFromSnapshot(snap *SnapshotState) error {
	l, err := state.LedgerFromSnapshot(snap.Ledger)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, info := range snap.Pools {
		if err := p.registry.RestorePool(info); err != nil {
			return fmt.Errorf("restore pool %d: %w", info.ID, err)
		}
	}
	for key, th := range snap.TraderThresholds {
		pair, err := state.ParseTradingPair(key)
		if err != nil {
			return fmt.Errorf("restore trader threshold: %w", err)
		}
		if err := p.registry.SetTraderThreshold(pair, th); err != nil {
			return fmt.Errorf("restore trader threshold: %w", err)
		}
	}
	p.oracle.Restore(snap.Prices)

	tracker := ledger.NewBalanceTracker()
	for _, a := range snap.Accounts {
		tracker.SetBalance(a.Account, a.Balance)
	}

	p.ledger = l
	p.tracker = tracker
	p.validator = ledger.NewInvariantValidator(tracker)
	p.sequence = snap.Sequence + 1
	p.hasher.SetPrevHash(snap.StateHash)
	p.idempotency.Warm(snap.IdempotencyKeys)
	p.reportState()

	p.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", l.PositionCount()).
		Msg("restored from snapshot")
	return nil
}
