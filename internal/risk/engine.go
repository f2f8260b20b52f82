// Package risk computes unrealized P&L, accumulated swap, equity and the
// solvency ratios of traders and pools. Every method is a pure read over
// the ledger and the pool state; overflow anywhere fails the whole result.
package risk

import (
	"fmt"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/pricing"
	"MarginLedger/internal/state"
)

// PoolState is the slice of the pool registry the engine reads.
type PoolState interface {
	AccumulatedSwapRate(pool state.PoolID, pair state.TradingPair) fpmath.Fixed
	Liquidity(pool state.PoolID) fpmath.Fixed
}

// Engine is the risk accounting engine. All values are in AUSD.
type Engine struct {
	resolver *pricing.Resolver
	pools    PoolState
}

func NewEngine(resolver *pricing.Resolver, pools PoolState) *Engine {
	return &Engine{
		resolver: resolver,
		pools:    pools,
	}
}

// Resolver returns the price resolver the engine values positions with.
func (e *Engine) Resolver() *pricing.Resolver {
	return e.resolver
}

// === Position level ===

// ClosePrice is the price a position would close at now: the bid for longs,
// the ask for shorts.
func (e *Engine) ClosePrice(p *state.Position, limit *fpmath.Fixed) (fpmath.Fixed, error) {
	if p.IsLong() {
		return e.resolver.BidPrice(p.Pool, p.Pair.Base, p.Pair.Quote, limit)
	}
	return e.resolver.AskPrice(p.Pool, p.Pair.Base, p.Pair.Quote, limit)
}

// UnrealizedPL returns held * (close_price - open_price) in AUSD.
func (e *Engine) UnrealizedPL(p *state.Position) (fpmath.Fixed, error) {
	current, err := e.ClosePrice(p, nil)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return e.unrealizedPLAt(p, current)
}

func (e *Engine) unrealizedPLAt(p *state.Position, current fpmath.Fixed) (fpmath.Fixed, error) {
	openPrice, err := p.OpenPrice()
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("position %d open price: %w", p.ID, err)
	}
	delta, err := current.Sub(openPrice)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	pl, err := p.LeveragedHeld.Mul(delta)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("position %d unrealized pl: %w", p.ID, err)
	}
	return e.resolver.USDValue(p.Pair.Quote, pl)
}

// AccumulatedSwap returns (rate_now - rate_at_open) * |held| in AUSD.
func (e *Engine) AccumulatedSwap(p *state.Position) (fpmath.Fixed, error) {
	rate := e.pools.AccumulatedSwapRate(p.Pool, p.Pair)
	delta, err := rate.Sub(p.OpenAccumulatedSwapRate)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	held, err := p.LeveragedHeld.Abs()
	if err != nil {
		return fpmath.Fixed{}, err
	}
	swap, err := delta.Mul(held)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("position %d accumulated swap: %w", p.ID, err)
	}
	return e.resolver.USDValue(p.Pair.Quote, swap)
}

// RealizedPL is what closing p now transfers to its owner: unrealized P&L
// minus accumulated swap. A non-nil limit guards the close price.
func (e *Engine) RealizedPL(p *state.Position, limit *fpmath.Fixed) (fpmath.Fixed, error) {
	current, err := e.ClosePrice(p, limit)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	pl, err := e.unrealizedPLAt(p, current)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	swap, err := e.AccumulatedSwap(p)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return pl.Sub(swap)
}

// fold sums f over positions with checked addition.
func fold(positions []state.Position, f func(*state.Position) (fpmath.Fixed, error)) (fpmath.Fixed, error) {
	total := fpmath.Zero()
	for i := range positions {
		v, err := f(&positions[i])
		if err != nil {
			return fpmath.Fixed{}, err
		}
		total, err = total.Add(v)
		if err != nil {
			return fpmath.Fixed{}, err
		}
	}
	return total, nil
}

// === Trader level ===

func (e *Engine) UnrealizedPLOfTrader(l *state.Ledger, trader state.TraderID) (fpmath.Fixed, error) {
	return fold(l.TraderPositions(trader), e.UnrealizedPL)
}

func (e *Engine) AccumulatedSwapOfTrader(l *state.Ledger, trader state.TraderID) (fpmath.Fixed, error) {
	return fold(l.TraderPositions(trader), e.AccumulatedSwap)
}

// EquityOfTrader = balance + unrealized_pl - accumulated_swap.
func (e *Engine) EquityOfTrader(l *state.Ledger, trader state.TraderID) (fpmath.Fixed, error) {
	pl, err := e.UnrealizedPLOfTrader(l, trader)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	swap, err := e.AccumulatedSwapOfTrader(l, trader)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	equity, err := l.Balance(trader).Add(pl)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return equity.Sub(swap)
}

// MarginHeld sums the open margin of the trader's positions.
func (e *Engine) MarginHeld(l *state.Ledger, trader state.TraderID) (fpmath.Fixed, error) {
	return fold(l.TraderPositions(trader), func(p *state.Position) (fpmath.Fixed, error) {
		return p.OpenMargin, nil
	})
}

// FreeBalance = balance - margin_held, never below zero.
func (e *Engine) FreeBalance(l *state.Ledger, trader state.TraderID) (fpmath.Fixed, error) {
	held, err := e.MarginHeld(l, trader)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	free, err := l.Balance(trader).Sub(held)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return fpmath.MaxOf(free, fpmath.Zero()), nil
}

// MarginLevel = equity / sum(|held_in_usd|) over the trader's positions plus
// hypothetical when given. No exposure yields fpmath.Max().
func (e *Engine) MarginLevel(l *state.Ledger, trader state.TraderID, hypothetical *state.Position) (fpmath.Fixed, error) {
	positions := withHypothetical(l.TraderPositions(trader), hypothetical)
	exposure, err := fold(positions, func(p *state.Position) (fpmath.Fixed, error) {
		return p.LeveragedHeldInUSD.Abs()
	})
	if err != nil {
		return fpmath.Fixed{}, err
	}
	if exposure.IsZero() {
		return fpmath.Max(), nil
	}

	equity, err := e.EquityOfTrader(l, trader)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return equity.Div(exposure)
}

// === Pool level ===

func (e *Engine) UnrealizedPLOfPool(l *state.Ledger, pool state.PoolID) (fpmath.Fixed, error) {
	return fold(l.PoolPositions(pool), e.UnrealizedPL)
}

func (e *Engine) AccumulatedSwapOfPool(l *state.Ledger, pool state.PoolID) (fpmath.Fixed, error) {
	return fold(l.PoolPositions(pool), e.AccumulatedSwap)
}

// EquityOfPool = liquidity + accumulated_swap - unrealized_pl. The pool is
// the counterparty of every trader.
func (e *Engine) EquityOfPool(l *state.Ledger, pool state.PoolID) (fpmath.Fixed, error) {
	pl, err := e.UnrealizedPLOfPool(l, pool)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	swap, err := e.AccumulatedSwapOfPool(l, pool)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	equity, err := e.pools.Liquidity(pool).Add(swap)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return equity.Sub(pl)
}

// PoolExposure splits the pool's signed USD exposure into its long and
// short legs. short is returned as a non-negative magnitude.
func (e *Engine) PoolExposure(l *state.Ledger, pool state.PoolID, hypothetical *state.Position) (long, short fpmath.Fixed, err error) {
	long, short = fpmath.Zero(), fpmath.Zero()
	for _, p := range withHypothetical(l.PoolPositions(pool), hypothetical) {
		usd := p.LeveragedHeldInUSD
		if usd.IsNegative() {
			short, err = short.Sub(usd)
		} else {
			long, err = long.Add(usd)
		}
		if err != nil {
			return fpmath.Fixed{}, fpmath.Fixed{}, err
		}
	}
	return long, short, nil
}

// ENP = equity / |net exposure|. Zero net exposure yields fpmath.Max().
func (e *Engine) ENP(l *state.Ledger, pool state.PoolID, hypothetical *state.Position) (fpmath.Fixed, error) {
	long, short, err := e.PoolExposure(l, pool, hypothetical)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	net, err := long.Sub(short)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	net, err = net.Abs()
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return e.poolRatio(l, pool, net)
}

// ELL = equity / max(long leg, short leg). No exposure yields fpmath.Max().
func (e *Engine) ELL(l *state.Ledger, pool state.PoolID, hypothetical *state.Position) (fpmath.Fixed, error) {
	long, short, err := e.PoolExposure(l, pool, hypothetical)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return e.poolRatio(l, pool, fpmath.MaxOf(long, short))
}

func (e *Engine) poolRatio(l *state.Ledger, pool state.PoolID, denominator fpmath.Fixed) (fpmath.Fixed, error) {
	if denominator.IsZero() {
		return fpmath.Max(), nil
	}
	equity, err := e.EquityOfPool(l, pool)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return equity.Div(denominator)
}

func withHypothetical(positions []state.Position, hypothetical *state.Position) []state.Position {
	if hypothetical == nil {
		return positions
	}
	return append(positions, *hypothetical)
}
