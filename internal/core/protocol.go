package core

import (
	"fmt"
	"strings"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/pricing"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"
)

// PoolBreachRule combines the ENP and ELL checks of a pool.
type PoolBreachRule int

const (
	// PoolBreachAny treats the pool as breached when either configured ratio
	// is at or below its level.
	PoolBreachAny PoolBreachRule = iota
	// PoolBreachAll requires every configured ratio to be at or below its
	// level.
	PoolBreachAll
)

func (r PoolBreachRule) String() string {
	if r == PoolBreachAll {
		return "all"
	}
	return "any"
}

// ParsePoolBreachRule accepts "any" or "all".
func ParsePoolBreachRule(s string) (PoolBreachRule, error) {
	switch strings.ToLower(s) {
	case "any", "":
		return PoolBreachAny, nil
	case "all":
		return PoolBreachAll, nil
	default:
		return 0, fmt.Errorf("unknown pool breach rule %q", s)
	}
}

// ClosedPosition records the settlement of one closed position.
type ClosedPosition struct {
	Position state.Position
	// Realized P&L at close price, before capping.
	Realized fpmath.Fixed
	// Amount actually moved to the trader (positive) or the pool (negative).
	Settled fpmath.Fixed
}

// Result describes a successful operation.
type Result struct {
	Opened    *state.Position
	Closed    []ClosedPosition
	Transfers []ledger.Transfer
	// Trader or pool whose safety state changed, and the new state.
	Safety *SafetyChange
}

// PoolOf returns the pool a result is about: the opened position's, the
// transitioned pool, or the first closed position's.
func (r *Result) PoolOf() (state.PoolID, bool) {
	switch {
	case r == nil:
		return 0, false
	case r.Opened != nil:
		return r.Opened.Pool, true
	case r.Safety != nil && r.Safety.Pool != nil:
		return *r.Safety.Pool, true
	case len(r.Closed) > 0:
		return r.Closed[0].Position.Pool, true
	}
	return 0, false
}

// SafetyChange is a transition of the safety state machine.
type SafetyChange struct {
	Trader *state.TraderID
	Pool   *state.PoolID
	State  state.SafetyState
}

// Protocol implements the position ledger operations and the safety state
// machine over a caller-owned state.Ledger. It has no internal
// synchronization: the caller serializes every call.
//
// Every operation is all-or-nothing. On error the ledger and the pool
// registry are exactly as they were before the call.
type Protocol struct {
	oracle   pricing.PriceOracle
	registry pricing.PoolRegistry
	rule     PoolBreachRule

	checkTransfers func([]ledger.Transfer) error
}

func NewProtocol(oracle pricing.PriceOracle, registry pricing.PoolRegistry, rule PoolBreachRule) *Protocol {
	return &Protocol{
		oracle:   oracle,
		registry: registry,
		rule:     rule,
	}
}

// SetTransferCheck installs a check that every commit runs over its
// transfers before anything is applied. A failing check aborts the commit.
func (p *Protocol) SetTransferCheck(check func([]ledger.Transfer) error) {
	p.checkTransfers = check
}

// Engine returns a risk engine over the committed registry state, for
// read-only queries.
func (p *Protocol) Engine() *risk.Engine {
	return risk.NewEngine(pricing.NewResolver(p.oracle, p.registry), p.registry)
}

// === Position ledger ===

// OpenPosition opens a leveraged position of leveragedAmount base units.
// Longs execute at the ask with priceLimit as the maximum, shorts at the bid
// with priceLimit as the minimum. The trader balance is not touched; the
// open margin is reserved out of the free balance.
func (p *Protocol) OpenPosition(
	l *state.Ledger,
	trader state.TraderID,
	pool state.PoolID,
	pair state.TradingPair,
	leverage state.Leverage,
	leveragedAmount fpmath.Fixed,
	priceLimit *fpmath.Fixed,
) (*Result, error) {
	if !leveragedAmount.IsPositive() {
		return nil, fmt.Errorf("open %s: %w", leveragedAmount, state.ErrInvalidAmount)
	}
	if err := leverage.Validate(); err != nil {
		return nil, err
	}
	if l.TraderSafety(trader) == state.SafetyStateMarginCalled {
		return nil, state.ErrTraderMarginCalled
	}
	if l.PoolSafety(pool) == state.SafetyStateMarginCalled {
		return nil, state.ErrPoolMarginCalled
	}

	t := p.begin(l)
	resolver := t.engine.Resolver()

	var (
		price fpmath.Fixed
		err   error
	)
	if leverage.IsLong() {
		price, err = resolver.AskPrice(pool, pair.Base, pair.Quote, priceLimit)
	} else {
		price, err = resolver.BidPrice(pool, pair.Base, pair.Quote, priceLimit)
	}
	if err != nil {
		return nil, err
	}

	debit, err := leveragedAmount.Mul(price)
	if err != nil {
		return nil, fmt.Errorf("leveraged debit: %w", err)
	}
	heldInUSD, err := resolver.USDValue(pair.Quote, debit)
	if err != nil {
		return nil, err
	}
	openMargin, err := leveragedAmount.Div(price)
	if err != nil {
		return nil, fmt.Errorf("open margin: %w", err)
	}

	position := state.Position{
		Owner:                   trader,
		Pool:                    pool,
		Pair:                    pair,
		Leverage:                leverage,
		LeveragedHeld:           leveragedAmount,
		LeveragedDebit:          debit,
		LeveragedHeldInUSD:      heldInUSD,
		OpenAccumulatedSwapRate: t.registry.AccumulatedSwapRate(pool, pair),
		OpenMargin:              openMargin,
	}
	if leverage.IsLong() {
		if position.LeveragedDebit, err = debit.Neg(); err != nil {
			return nil, err
		}
	} else {
		if position.LeveragedHeld, err = leveragedAmount.Neg(); err != nil {
			return nil, err
		}
		if position.LeveragedHeldInUSD, err = heldInUSD.Neg(); err != nil {
			return nil, err
		}
	}

	free, err := t.engine.FreeBalance(t.ledger, trader)
	if err != nil {
		return nil, err
	}
	if openMargin.GreaterThan(free) {
		return nil, fmt.Errorf("open margin %s exceeds free balance %s: %w", openMargin, free, state.ErrInsufficientFreeBalance)
	}

	level, err := t.engine.MarginLevel(t.ledger, trader, &position)
	if err != nil {
		return nil, err
	}
	if p.traderReached(append(t.ledger.TraderPairs(trader), pair), level, marginCallLevel) {
		return nil, fmt.Errorf("margin level %s after open: %w", level, state.ErrUnsafeTrader)
	}
	breached, err := p.poolBreached(t.engine, t.ledger, pool, &position, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if breached {
		return nil, state.ErrUnsafePool
	}

	id, err := t.ledger.InsertPosition(position)
	if err != nil {
		return nil, err
	}
	position.ID = id

	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Opened: &position}, nil
}

// ClosePosition closes a position owned by trader at the current close
// price. priceLimit, when set, is the minimum bid for longs and the maximum
// ask for shorts.
func (p *Protocol) ClosePosition(
	l *state.Ledger,
	trader state.TraderID,
	id state.PositionID,
	priceLimit *fpmath.Fixed,
) (*Result, error) {
	position, ok := l.Position(id)
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, state.ErrPositionNotFound)
	}
	if position.Owner != trader {
		return nil, fmt.Errorf("position %d: %w", id, state.ErrNotPositionOwner)
	}

	t := p.begin(l)
	closed, err := t.closePosition(id, priceLimit, ledger.JournalTypePositionSettlement)
	if err != nil {
		return nil, err
	}
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Closed: []ClosedPosition{closed}, Transfers: t.transfers}, nil
}

// closePosition settles realized P&L between the owner and the pool as one
// zero-sum transfer and removes the position. A loss is capped at the
// trader's balance and a profit at the pool's liquidity, so neither goes
// negative.
func (t *tx) closePosition(id state.PositionID, priceLimit *fpmath.Fixed, kind ledger.JournalType) (ClosedPosition, error) {
	position, ok := t.ledger.Position(id)
	if !ok {
		return ClosedPosition{}, fmt.Errorf("position %d: %w", id, state.ErrPositionNotFound)
	}

	realized, err := t.engine.RealizedPL(&position, priceLimit)
	if err != nil {
		return ClosedPosition{}, err
	}

	trader, pool := position.Owner, position.Pool
	balance := t.ledger.Balance(trader)
	settled := fpmath.Zero()
	positionID := id

	switch {
	case realized.IsPositive():
		payout := fpmath.MinOf(realized, t.registry.Liquidity(pool))
		if payout.IsPositive() {
			if err := t.registry.WithdrawLiquidity(pool, payout); err != nil {
				return ClosedPosition{}, err
			}
			next, err := balance.Add(payout)
			if err != nil {
				return ClosedPosition{}, err
			}
			if err := t.ledger.SetBalance(trader, next); err != nil {
				return ClosedPosition{}, err
			}
			t.transfer(ledger.Transfer{
				From:       ledger.PoolAccount(pool),
				To:         ledger.TraderAccount(trader),
				Amount:     payout,
				Type:       kind,
				PositionID: &positionID,
			})
		}
		settled = payout

	case realized.IsNegative():
		owed, err := realized.Neg()
		if err != nil {
			return ClosedPosition{}, err
		}
		loss := fpmath.MinOf(owed, balance)
		if loss.IsPositive() {
			next, err := balance.Sub(loss)
			if err != nil {
				return ClosedPosition{}, err
			}
			if err := t.ledger.SetBalance(trader, next); err != nil {
				return ClosedPosition{}, err
			}
			if err := t.registry.DepositLiquidity(pool, loss); err != nil {
				return ClosedPosition{}, err
			}
			t.transfer(ledger.Transfer{
				From:       ledger.TraderAccount(trader),
				To:         ledger.PoolAccount(pool),
				Amount:     loss,
				Type:       kind,
				PositionID: &positionID,
			})
		}
		if settled, err = loss.Neg(); err != nil {
			return ClosedPosition{}, err
		}
	}

	if _, err := t.ledger.RemovePosition(id); err != nil {
		return ClosedPosition{}, err
	}

	return ClosedPosition{
		Position: position,
		Realized: realized,
		Settled:  settled,
	}, nil
}

// Deposit credits amount to the trader's balance.
func (p *Protocol) Deposit(l *state.Ledger, trader state.TraderID, amount fpmath.Fixed) (*Result, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit %s: %w", amount, state.ErrInvalidAmount)
	}

	next, err := l.Balance(trader).Add(amount)
	if err != nil {
		return nil, fmt.Errorf("deposit %s: %w", amount, err)
	}

	t := p.begin(l)
	if err := t.ledger.SetBalance(trader, next); err != nil {
		return nil, err
	}
	t.transfer(ledger.Transfer{
		From:   ledger.ExternalAccount(ledger.ExternalTraderDeposits),
		To:     ledger.TraderAccount(trader),
		Amount: amount,
		Type:   ledger.JournalTypeDeposit,
	})
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Transfers: t.transfers}, nil
}

// Withdraw debits amount from the trader's balance. Only the free balance,
// balance minus the margin held by open positions, can be withdrawn.
func (p *Protocol) Withdraw(l *state.Ledger, trader state.TraderID, amount fpmath.Fixed) (*Result, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("withdraw %s: %w", amount, state.ErrInvalidAmount)
	}

	t := p.begin(l)
	free, err := t.engine.FreeBalance(t.ledger, trader)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(free) {
		return nil, fmt.Errorf("withdraw %s, free %s: %w", amount, free, state.ErrInsufficientFreeBalance)
	}

	next, err := t.ledger.Balance(trader).Sub(amount)
	if err != nil {
		return nil, err
	}
	if err := t.ledger.SetBalance(trader, next); err != nil {
		return nil, err
	}
	t.transfer(ledger.Transfer{
		From:   ledger.TraderAccount(trader),
		To:     ledger.ExternalAccount(ledger.ExternalTraderWithdrawals),
		Amount: amount,
		Type:   ledger.JournalTypeWithdrawal,
	})
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Transfers: t.transfers}, nil
}

// DepositLiquidity adds amount to a pool.
func (p *Protocol) DepositLiquidity(l *state.Ledger, pool state.PoolID, amount fpmath.Fixed) (*Result, error) {
	t := p.begin(l)
	if err := t.registry.DepositLiquidity(pool, amount); err != nil {
		return nil, err
	}
	t.transfer(ledger.Transfer{
		From:   ledger.ExternalAccount(ledger.ExternalPoolDeposits),
		To:     ledger.PoolAccount(pool),
		Amount: amount,
		Type:   ledger.JournalTypePoolDeposit,
	})
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Transfers: t.transfers}, nil
}

// WithdrawLiquidity removes amount from a pool. A margin-called pool cannot
// withdraw, and a withdrawal that would leave the pool at or below its
// margin-call levels is refused.
func (p *Protocol) WithdrawLiquidity(l *state.Ledger, pool state.PoolID, amount fpmath.Fixed) (*Result, error) {
	if l.PoolSafety(pool) == state.SafetyStateMarginCalled {
		return nil, state.ErrPoolMarginCalled
	}

	t := p.begin(l)
	if err := t.registry.WithdrawLiquidity(pool, amount); err != nil {
		return nil, err
	}
	breached, err := p.poolBreached(t.engine, t.ledger, pool, nil, marginCallLevel)
	if err != nil {
		return nil, err
	}
	if breached {
		return nil, fmt.Errorf("withdraw %s: %w", amount, state.ErrUnsafePool)
	}
	t.transfer(ledger.Transfer{
		From:   ledger.PoolAccount(pool),
		To:     ledger.ExternalAccount(ledger.ExternalPoolWithdrawals),
		Amount: amount,
		Type:   ledger.JournalTypePoolWithdrawal,
	})
	if err := t.commit(); err != nil {
		return nil, err
	}
	return &Result{Transfers: t.transfers}, nil
}
