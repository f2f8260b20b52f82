package core

import (
	"fmt"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"
)

type thresholdLevel int

const (
	marginCallLevel thresholdLevel = iota
	stopOutLevel
)

func reached(th state.RiskThreshold, ratio fpmath.Fixed, level thresholdLevel) bool {
	if level == stopOutLevel {
		return th.StopOutReached(ratio)
	}
	return th.MarginCallReached(ratio)
}

// traderReached reports whether margin level is at or below the threshold
// of any of the pairs. Pairs without a configured threshold never trigger.
func (p *Protocol) traderReached(pairs []state.TradingPair, level fpmath.Fixed, which thresholdLevel) bool {
	for _, pair := range pairs {
		th, ok := p.registry.TraderThreshold(pair)
		if ok && reached(th, level, which) {
			return true
		}
	}
	return false
}

func (p *Protocol) traderStatus(engine *risk.Engine, l *state.Ledger, trader state.TraderID, which thresholdLevel) (bool, error) {
	level, err := engine.MarginLevel(l, trader, nil)
	if err != nil {
		return false, err
	}
	return p.traderReached(l.TraderPairs(trader), level, which), nil
}

// poolBreached evaluates ENP and ELL against the pool thresholds and
// combines them with the configured rule. Under PoolBreachAll a pool with
// no configured threshold is never breached.
func (p *Protocol) poolBreached(engine *risk.Engine, l *state.Ledger, pool state.PoolID, hypothetical *state.Position, which thresholdLevel) (bool, error) {
	var checks []bool

	if th, ok := p.registry.ENPThreshold(pool); ok {
		enp, err := engine.ENP(l, pool, hypothetical)
		if err != nil {
			return false, err
		}
		checks = append(checks, reached(th, enp, which))
	}
	if th, ok := p.registry.ELLThreshold(pool); ok {
		ell, err := engine.ELL(l, pool, hypothetical)
		if err != nil {
			return false, err
		}
		checks = append(checks, reached(th, ell, which))
	}

	if len(checks) == 0 {
		return false, nil
	}
	if p.rule == PoolBreachAll {
		for _, c := range checks {
			if !c {
				return false, nil
			}
		}
		return true, nil
	}
	for _, c := range checks {
		if c {
			return true, nil
		}
	}
	return false, nil
}

// === Trader ===

// TraderMarginCall flags a safe trader whose margin level has reached the
// margin-call threshold of any held pair.
func (p *Protocol) TraderMarginCall(l *state.Ledger, trader state.TraderID) (*Result, error) {
	if l.TraderSafety(trader) == state.SafetyStateMarginCalled {
		return nil, state.ErrTraderMarginCalled
	}
	hit, err := p.traderStatus(p.Engine(), l, trader, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, state.ErrSafeTrader
	}
	if err := l.SetTraderSafety(trader, state.SafetyStateMarginCalled); err != nil {
		return nil, err
	}
	return &Result{Safety: &SafetyChange{Trader: &trader, State: state.SafetyStateMarginCalled}}, nil
}

// TraderBecomeSafe clears the flag once the margin level is above the
// margin-call threshold of every held pair.
func (p *Protocol) TraderBecomeSafe(l *state.Ledger, trader state.TraderID) (*Result, error) {
	if l.TraderSafety(trader) != state.SafetyStateMarginCalled {
		return nil, state.ErrTraderNotMarginCalled
	}
	hit, err := p.traderStatus(p.Engine(), l, trader, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if hit {
		return nil, state.ErrUnsafeTrader
	}
	if err := l.SetTraderSafety(trader, state.SafetyStateSafe); err != nil {
		return nil, err
	}
	return &Result{Safety: &SafetyChange{Trader: &trader, State: state.SafetyStateSafe}}, nil
}

// TraderStopOut force-closes every position of a margin-called trader whose
// margin level has reached the stop-out threshold of any held pair.
// Positions are closed in id order and the flag is cleared.
func (p *Protocol) TraderStopOut(l *state.Ledger, trader state.TraderID) (*Result, error) {
	if l.TraderSafety(trader) != state.SafetyStateMarginCalled {
		return nil, state.ErrTraderNotMarginCalled
	}

	t := p.begin(l)
	hit, err := p.traderStatus(t.engine, t.ledger, trader, stopOutLevel)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, state.ErrNotReachedRiskThreshold
	}

	closed, err := t.closeAll(t.ledger.TraderPositionIDs(trader))
	if err != nil {
		return nil, err
	}
	if err := t.ledger.SetTraderSafety(trader, state.SafetyStateSafe); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{
		Closed:    closed,
		Transfers: t.transfers,
		Safety:    &SafetyChange{Trader: &trader, State: state.SafetyStateSafe},
	}, nil
}

// === Pool ===

func (p *Protocol) PoolMarginCall(l *state.Ledger, pool state.PoolID) (*Result, error) {
	if l.PoolSafety(pool) == state.SafetyStateMarginCalled {
		return nil, state.ErrPoolMarginCalled
	}
	hit, err := p.poolBreached(p.Engine(), l, pool, nil, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, state.ErrSafePool
	}
	if err := l.SetPoolSafety(pool, state.SafetyStateMarginCalled); err != nil {
		return nil, err
	}
	return &Result{Safety: &SafetyChange{Pool: &pool, State: state.SafetyStateMarginCalled}}, nil
}

func (p *Protocol) PoolBecomeSafe(l *state.Ledger, pool state.PoolID) (*Result, error) {
	if l.PoolSafety(pool) != state.SafetyStateMarginCalled {
		return nil, state.ErrPoolNotMarginCalled
	}
	hit, err := p.poolBreached(p.Engine(), l, pool, nil, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if hit {
		return nil, state.ErrUnsafePool
	}
	if err := l.SetPoolSafety(pool, state.SafetyStateSafe); err != nil {
		return nil, err
	}
	return &Result{Safety: &SafetyChange{Pool: &pool, State: state.SafetyStateSafe}}, nil
}

// PoolStopOut closes every position in a margin-called pool whose ratios
// have reached the stop-out levels, in id order, and clears the flag.
func (p *Protocol) PoolStopOut(l *state.Ledger, pool state.PoolID) (*Result, error) {
	if l.PoolSafety(pool) != state.SafetyStateMarginCalled {
		return nil, state.ErrPoolNotMarginCalled
	}

	t := p.begin(l)
	hit, err := p.poolBreached(t.engine, t.ledger, pool, nil, stopOutLevel)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, state.ErrNotReachedRiskThreshold
	}

	closed, err := t.closeAll(t.ledger.PoolPositionIDs(pool))
	if err != nil {
		return nil, err
	}
	if err := t.ledger.SetPoolSafety(pool, state.SafetyStateSafe); err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{
		Closed:    closed,
		Transfers: t.transfers,
		Safety:    &SafetyChange{Pool: &pool, State: state.SafetyStateSafe},
	}, nil
}

func (t *tx) closeAll(ids []state.PositionID) ([]ClosedPosition, error) {
	closed := make([]ClosedPosition, 0, len(ids))
	for _, id := range ids {
		c, err := t.closePosition(id, nil, ledger.JournalTypeStopOutSettlement)
		if err != nil {
			return nil, fmt.Errorf("stop out position %d: %w", id, err)
		}
		closed = append(closed, c)
	}
	return closed, nil
}
