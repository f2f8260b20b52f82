package core

import (
	"fmt"
	"slices"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/pricing"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"
)

// txRegistry buffers pool liquidity changes on top of the real registry.
// Reads see the buffered liquidity; nothing reaches the registry until
// commit.
type txRegistry struct {
	pricing.PoolRegistry
	deltas map[state.PoolID]fpmath.Fixed
}

func (r *txRegistry) Liquidity(pool state.PoolID) fpmath.Fixed {
	// Every delta was range checked when it was buffered.
	return r.PoolRegistry.Liquidity(pool).SaturatingAdd(r.deltas[pool])
}

func (r *txRegistry) DepositLiquidity(pool state.PoolID, amount fpmath.Fixed) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit liquidity %s: %w", amount, state.ErrInvalidAmount)
	}
	if _, err := r.Liquidity(pool).Add(amount); err != nil {
		return fmt.Errorf("pool %d liquidity: %w", pool, err)
	}
	delta, err := r.deltas[pool].Add(amount)
	if err != nil {
		return fmt.Errorf("pool %d liquidity: %w", pool, err)
	}
	r.deltas[pool] = delta
	return nil
}

func (r *txRegistry) WithdrawLiquidity(pool state.PoolID, amount fpmath.Fixed) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw liquidity %s: %w", amount, state.ErrInvalidAmount)
	}
	current := r.Liquidity(pool)
	if amount.GreaterThan(current) {
		return fmt.Errorf("pool %d has %s, need %s: %w", pool, current, amount, state.ErrInsufficientLiquidity)
	}
	delta, err := r.deltas[pool].Sub(amount)
	if err != nil {
		return fmt.Errorf("pool %d liquidity: %w", pool, err)
	}
	r.deltas[pool] = delta
	return nil
}

// tx runs one protocol operation against a clone of the ledger and a
// buffered view of pool liquidity. Dropping a tx discards every change.
type tx struct {
	base      *state.Ledger
	ledger    *state.Ledger
	registry  *txRegistry
	engine    *risk.Engine
	check     func([]ledger.Transfer) error
	transfers []ledger.Transfer
}

func (p *Protocol) begin(l *state.Ledger) *tx {
	reg := &txRegistry{
		PoolRegistry: p.registry,
		deltas:       make(map[state.PoolID]fpmath.Fixed),
	}
	return &tx{
		base:     l,
		ledger:   l.Clone(),
		registry: reg,
		engine:   risk.NewEngine(pricing.NewResolver(p.oracle, reg), reg),
		check:    p.checkTransfers,
	}
}

func (t *tx) transfer(tr ledger.Transfer) {
	t.transfers = append(t.transfers, tr)
}

// commit applies the net liquidity change of every touched pool to the
// registry, then swaps the cloned ledger in. If the registry refuses a
// change, the ones already applied are reverted and the ledger is left
// untouched. Transfers the check refuses abort the commit before any of
// that.
func (t *tx) commit() error {
	if t.check != nil && len(t.transfers) > 0 {
		if err := t.check(t.transfers); err != nil {
			return err
		}
	}

	pools := make([]state.PoolID, 0, len(t.registry.deltas))
	for pool, delta := range t.registry.deltas {
		if !delta.IsZero() {
			pools = append(pools, pool)
		}
	}
	slices.Sort(pools)

	applied := make([]state.PoolID, 0, len(pools))
	for _, pool := range pools {
		if err := applyDelta(t.registry.PoolRegistry, pool, t.registry.deltas[pool]); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				undo, _ := t.registry.deltas[applied[i]].Neg()
				_ = applyDelta(t.registry.PoolRegistry, applied[i], undo)
			}
			return err
		}
		applied = append(applied, pool)
	}

	t.base.ReplaceWith(t.ledger)
	return nil
}

func applyDelta(reg pricing.PoolRegistry, pool state.PoolID, delta fpmath.Fixed) error {
	if delta.IsPositive() {
		return reg.DepositLiquidity(pool, delta)
	}
	amount, err := delta.Neg()
	if err != nil {
		return err
	}
	return reg.WithdrawLiquidity(pool, amount)
}
