package core_test

import (
	"errors"
	"testing"

	"MarginLedger/internal/core"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/market"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

var (
	alice  = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob    = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
	eurUSD = state.TradingPair{Base: "FEUR", Quote: state.AUSD}

	long10  = state.Leverage{Side: state.SideLong, Multiple: 10}
	short10 = state.Leverage{Side: state.SideShort, Multiple: 10}
)

type fixture struct {
	oracle   *market.Oracle
	registry *market.Registry
	protocol *core.Protocol
	ledger   *state.Ledger
}

// newFixture: FEUR at 3 AUSD, 1% spreads, pool 0 holding 10000, alice
// holding 5000.
func newFixture(t *testing.T, rule core.PoolBreachRule) *fixture {
	t.Helper()
	f := &fixture{
		oracle:   market.NewOracle(),
		registry: market.NewRegistry(),
		ledger:   state.NewLedger(),
	}
	require.NoError(t, f.oracle.SetPrice("FEUR", fpmath.FromInt(3)))
	require.NoError(t, f.registry.AddPool(market.PoolConfig{
		ID:         0,
		Liquidity:  fpmath.FromInt(10000),
		AskSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
		BidSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
	}))
	f.protocol = core.NewProtocol(f.oracle, f.registry, rule)

	_, err := f.protocol.Deposit(f.ledger, alice, fpmath.FromInt(5000))
	require.NoError(t, err)
	return f
}

func (f *fixture) setPrice(t *testing.T, price string) {
	t.Helper()
	require.NoError(t, f.oracle.SetPrice("FEUR", fpmath.MustParse(price)))
}

func (f *fixture) open(t *testing.T, trader state.TraderID, lev state.Leverage, amount int64) state.PositionID {
	t.Helper()
	res, err := f.protocol.OpenPosition(f.ledger, trader, 0, eurUSD, lev, fpmath.FromInt(amount), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Opened)
	return res.Opened.ID
}

func (f *fixture) balance(trader state.TraderID) string {
	return f.ledger.Balance(trader).String()
}

func (f *fixture) liquidity() string {
	return f.registry.Liquidity(0).String()
}

func (f *fixture) withThresholds(t *testing.T) {
	t.Helper()
	require.NoError(t, f.registry.SetTraderThreshold(eurUSD, state.RiskThreshold{
		MarginCall: fpmath.MustParse("0.03"),
		StopOut:    fpmath.MustParse("0.01"),
	}))
}

// ============================================================================
// Position ledger
// ============================================================================

func TestOpenPosition_LongFields(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	res, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(5000), nil)
	require.NoError(t, err)

	p := res.Opened
	assert.Equal(t, state.PositionID(0), p.ID)
	assert.Equal(t, "5000", p.LeveragedHeld.String())
	assert.Equal(t, "-15150", p.LeveragedDebit.String())
	assert.Equal(t, "15150", p.LeveragedHeldInUSD.String())
	assert.Equal(t, "5000", f.balance(alice), "opening does not touch the balance")
	assert.Empty(t, res.Transfers)

	stored, ok := f.ledger.Position(p.ID)
	require.True(t, ok)
	assert.Equal(t, *p, stored)
	assert.Equal(t, []state.PositionID{0}, f.ledger.TraderPositionIDs(alice))
	assert.Equal(t, []state.PositionID{0}, f.ledger.PoolPairPositionIDs(0, eurUSD))
	require.NoError(t, f.ledger.CheckIndices())
}

func TestOpenPosition_ShortFields(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	res, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, short10, fpmath.FromInt(5000), nil)
	require.NoError(t, err)

	p := res.Opened
	assert.Equal(t, "-5000", p.LeveragedHeld.String())
	assert.Equal(t, "14850", p.LeveragedDebit.String())
	assert.Equal(t, "-14850", p.LeveragedHeldInUSD.String())
}

func TestOpenPosition_IDsIncrease(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	first := f.open(t, alice, long10, 100)
	second := f.open(t, alice, short10, 100)
	assert.Less(t, first, second)

	_, err := f.protocol.ClosePosition(f.ledger, alice, second, nil)
	require.NoError(t, err)
	third := f.open(t, alice, long10, 100)
	assert.Less(t, second, third, "ids are never reused")
}

func TestOpenPosition_HeldInUSDFixedAtOpen(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	f.setPrice(t, "4")
	p, ok := f.ledger.Position(id)
	require.True(t, ok)
	assert.Equal(t, "15150", p.LeveragedHeldInUSD.String())
}

func TestOpenPosition_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		lev     state.Leverage
		limit   *fpmath.Fixed
		wantErr error
	}{
		{"zero amount", "0", long10, nil, state.ErrInvalidAmount},
		{"negative amount", "-1", long10, nil, state.ErrInvalidAmount},
		{"bad leverage", "100", state.Leverage{Side: state.SideLong, Multiple: 1}, nil, state.ErrInvalidLeverage},
		{"ask above limit", "100", long10, ptr(fpmath.FromInt(3)), state.ErrMarketPriceTooHigh},
		{"bid below limit", "100", short10, ptr(fpmath.FromInt(3)), state.ErrMarketPriceTooLow},
		{"margin exceeds free balance", "20000", long10, nil, state.ErrInsufficientFreeBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, core.PoolBreachAny)

			_, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, tt.lev, fpmath.MustParse(tt.amount), tt.limit)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.ledger.PositionCount())
			assert.Equal(t, state.PositionID(0), f.ledger.NextPositionID())
		})
	}
}

func TestOpenPosition_MissingPriceOrSpread(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	_, err := f.protocol.OpenPosition(f.ledger, alice, 0, state.TradingPair{Base: "FJPY", Quote: state.AUSD}, long10, fpmath.FromInt(1), nil)
	assert.ErrorIs(t, err, state.ErrNoPrice)

	require.NoError(t, f.oracle.SetPrice("FJPY", fpmath.MustParse("0.01")))
	_, err = f.protocol.OpenPosition(f.ledger, alice, 0, state.TradingPair{Base: "FJPY", Quote: state.AUSD}, long10, fpmath.FromInt(1), nil)
	assert.ErrorIs(t, err, state.ErrNoAskSpread)
}

func TestOpenPosition_UnsafeTrader(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	require.NoError(t, f.registry.SetTraderThreshold(eurUSD, state.RiskThreshold{
		MarginCall: fpmath.MustParse("0.5"),
		StopOut:    fpmath.MustParse("0.1"),
	}))

	// 5000 / 15150 is below the 50% margin-call level.
	_, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(5000), nil)
	assert.ErrorIs(t, err, state.ErrUnsafeTrader)
	assert.Zero(t, f.ledger.PositionCount())
}

func TestOpenPosition_UnsafePool(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	require.NoError(t, f.registry.SetPoolThresholds(0, &state.RiskThreshold{
		MarginCall: fpmath.FromInt(1),
		StopOut:    fpmath.MustParse("0.5"),
	}, nil))

	// ENP 10000 / 15150 < 1.
	_, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(5000), nil)
	assert.ErrorIs(t, err, state.ErrUnsafePool)
}

func TestOpenPosition_MarginCalledSubjects(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	require.NoError(t, f.ledger.SetTraderSafety(alice, state.SafetyStateMarginCalled))
	_, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(1), nil)
	assert.ErrorIs(t, err, state.ErrTraderMarginCalled)

	require.NoError(t, f.ledger.SetTraderSafety(alice, state.SafetyStateSafe))
	require.NoError(t, f.ledger.SetPoolSafety(0, state.SafetyStateMarginCalled))
	_, err = f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(1), nil)
	assert.ErrorIs(t, err, state.ErrPoolMarginCalled)
}

func TestClosePosition_LongRoundTrip(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	res, err := f.protocol.ClosePosition(f.ledger, alice, id, nil)
	require.NoError(t, err)

	require.Len(t, res.Closed, 1)
	assert.Equal(t, "-300", res.Closed[0].Realized.String())
	assert.Equal(t, "4700", f.balance(alice))
	assert.Equal(t, "10300", f.liquidity())

	require.Len(t, res.Transfers, 1)
	tr := res.Transfers[0]
	assert.Equal(t, ledger.TraderAccount(alice), tr.From)
	assert.Equal(t, ledger.PoolAccount(0), tr.To)
	assert.Equal(t, "300", tr.Amount.String())
	assert.Equal(t, ledger.JournalTypePositionSettlement, tr.Type)
	require.NotNil(t, tr.PositionID)
	assert.Equal(t, id, *tr.PositionID)

	_, ok := f.ledger.Position(id)
	assert.False(t, ok)
	assert.Empty(t, f.ledger.TraderPositionIDs(alice))
	assert.Empty(t, f.ledger.PoolPositionIDs(0))
	require.NoError(t, f.ledger.CheckIndices())
}

func TestClosePosition_ShortRoundTrip(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, short10, 5000)

	_, err := f.protocol.ClosePosition(f.ledger, alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "4700", f.balance(alice))
	assert.Equal(t, "10300", f.liquidity())
}

func TestClosePosition_ChargesSwap(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	_, err := f.registry.AccumulateSwapRate(0, eurUSD, fpmath.MustParse("0.01"))
	require.NoError(t, err)

	res, err := f.protocol.ClosePosition(f.ledger, alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "-350", res.Closed[0].Realized.String())
	assert.Equal(t, "4650", f.balance(alice))
	assert.Equal(t, "10350", f.liquidity())
}

func TestClosePosition_ProfitPaidFromPool(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	// bid 3.96: 5000 * (3.96 - 3.03)
	f.setPrice(t, "4")
	res, err := f.protocol.ClosePosition(f.ledger, alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "4650", res.Closed[0].Realized.String())
	assert.Equal(t, "9650", f.balance(alice))
	assert.Equal(t, "5350", f.liquidity())
	assert.Equal(t, ledger.PoolAccount(0), res.Transfers[0].From)
}

func TestClosePosition_ProfitCappedAtLiquidity(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	// bid 9.9: realized 34350, pool only holds 10000.
	f.setPrice(t, "10")
	res, err := f.protocol.ClosePosition(f.ledger, alice, id, nil)
	require.NoError(t, err)
	assert.Equal(t, "10000", res.Closed[0].Settled.String())
	assert.Equal(t, "15000", f.balance(alice))
	assert.Equal(t, "0", f.liquidity())
}

func TestClosePosition_Errors(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)

	_, err := f.protocol.ClosePosition(f.ledger, alice, id+1, nil)
	assert.ErrorIs(t, err, state.ErrPositionNotFound)

	_, err = f.protocol.ClosePosition(f.ledger, bob, id, nil)
	assert.ErrorIs(t, err, state.ErrNotPositionOwner)

	// Long closes at bid 2.97; a minimum of 3 refuses it.
	_, err = f.protocol.ClosePosition(f.ledger, alice, id, ptr(fpmath.FromInt(3)))
	assert.ErrorIs(t, err, state.ErrMarketPriceTooLow)

	_, ok := f.ledger.Position(id)
	assert.True(t, ok, "failed closes leave the position open")
	assert.Equal(t, "5000", f.balance(alice))
	assert.Equal(t, "10000", f.liquidity())
}

func TestDepositWithdraw(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	_, err := f.protocol.Deposit(f.ledger, bob, fpmath.FromInt(0))
	assert.ErrorIs(t, err, state.ErrInvalidAmount)

	res, err := f.protocol.Deposit(f.ledger, bob, fpmath.MustParse("12.5"))
	require.NoError(t, err)
	require.Len(t, res.Transfers, 1)
	assert.Equal(t, ledger.ExternalAccount(ledger.ExternalTraderDeposits), res.Transfers[0].From)

	_, err = f.protocol.Withdraw(f.ledger, bob, fpmath.MustParse("12.5"))
	require.NoError(t, err)
	assert.Equal(t, "0", f.balance(bob))

	_, err = f.protocol.Withdraw(f.ledger, bob, fpmath.MustParse("0.000000000000000001"))
	assert.ErrorIs(t, err, state.ErrInsufficientFreeBalance)
}

func TestWithdraw_BoundedByFreeBalance(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.open(t, alice, long10, 3030) // open margin 3030 / 3.03 = 1000

	_, err := f.protocol.Withdraw(f.ledger, alice, fpmath.MustParse("4000.000000000000000001"))
	assert.ErrorIs(t, err, state.ErrInsufficientFreeBalance)

	_, err = f.protocol.Withdraw(f.ledger, alice, fpmath.FromInt(4000))
	require.NoError(t, err)
	assert.Equal(t, "1000", f.balance(alice))
}

func TestDeposit_Overflow(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	_, err := f.protocol.Deposit(f.ledger, bob, fpmath.Max())
	require.NoError(t, err)
	_, err = f.protocol.Deposit(f.ledger, bob, fpmath.One())
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)
	assert.True(t, f.ledger.Balance(bob).Equal(fpmath.Max()))
}

func TestTransferCheck_RefusalCommitsNothing(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	refused := errors.New("refused")
	f.protocol.SetTransferCheck(func([]ledger.Transfer) error { return refused })

	_, err := f.protocol.DepositLiquidity(f.ledger, 0, fpmath.FromInt(500))
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, "10000", f.liquidity())

	_, err = f.protocol.Deposit(f.ledger, bob, fpmath.FromInt(5))
	assert.ErrorIs(t, err, refused)
	assert.True(t, f.ledger.Balance(bob).IsZero())

	// Opening moves no collateral, so there is nothing to check.
	_, err = f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(100), nil)
	require.NoError(t, err)
}

func TestPoolLiquidity(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)

	res, err := f.protocol.DepositLiquidity(f.ledger, 0, fpmath.FromInt(500))
	require.NoError(t, err)
	assert.Equal(t, "10500", f.liquidity())
	assert.Equal(t, ledger.JournalTypePoolDeposit, res.Transfers[0].Type)

	_, err = f.protocol.WithdrawLiquidity(f.ledger, 0, fpmath.FromInt(20000))
	assert.ErrorIs(t, err, state.ErrInsufficientLiquidity)

	_, err = f.protocol.WithdrawLiquidity(f.ledger, 0, fpmath.FromInt(10500))
	require.NoError(t, err)
	assert.Equal(t, "0", f.liquidity())

	_, err = f.protocol.DepositLiquidity(f.ledger, 7, fpmath.FromInt(1))
	assert.ErrorIs(t, err, market.ErrUnknownPool)
}

func TestWithdrawLiquidity_MustKeepPoolSafe(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.open(t, alice, long10, 5000)
	require.NoError(t, f.registry.SetPoolThresholds(0, &state.RiskThreshold{
		MarginCall: fpmath.MustParse("0.5"),
		StopOut:    fpmath.MustParse("0.1"),
	}, nil))

	// ENP (10000 - 9000 + 300) / 15150 < 0.5
	_, err := f.protocol.WithdrawLiquidity(f.ledger, 0, fpmath.FromInt(9000))
	assert.ErrorIs(t, err, state.ErrUnsafePool)
	assert.Equal(t, "10000", f.liquidity())

	_, err = f.protocol.WithdrawLiquidity(f.ledger, 0, fpmath.FromInt(1000))
	require.NoError(t, err)
}

// ============================================================================
// Safety state machine
// ============================================================================

func TestTraderSafety_Lifecycle(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.withThresholds(t)
	f.open(t, alice, long10, 5000)

	_, err := f.protocol.TraderMarginCall(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrSafeTrader)
	_, err = f.protocol.TraderBecomeSafe(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrTraderNotMarginCalled)
	_, err = f.protocol.TraderStopOut(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrTraderNotMarginCalled)

	// equity 245, level ~1.6%
	f.setPrice(t, "2.1")
	res, err := f.protocol.TraderMarginCall(f.ledger, alice)
	require.NoError(t, err)
	assert.Equal(t, state.SafetyStateMarginCalled, res.Safety.State)
	assert.Equal(t, state.SafetyStateMarginCalled, f.ledger.TraderSafety(alice))

	_, err = f.protocol.TraderMarginCall(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrTraderMarginCalled)
	_, err = f.protocol.TraderStopOut(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrNotReachedRiskThreshold)
	_, err = f.protocol.TraderBecomeSafe(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrUnsafeTrader)

	// level ~4.88%
	f.setPrice(t, "2.2")
	_, err = f.protocol.TraderBecomeSafe(f.ledger, alice)
	require.NoError(t, err)
	assert.Equal(t, state.SafetyStateSafe, f.ledger.TraderSafety(alice))
}

func TestTraderStopOut_LossCappedAtBalance(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.withThresholds(t)
	id := f.open(t, alice, long10, 5000)

	f.setPrice(t, "2.1")
	_, err := f.protocol.TraderMarginCall(f.ledger, alice)
	require.NoError(t, err)

	// equity -250
	f.setPrice(t, "2")
	res, err := f.protocol.TraderStopOut(f.ledger, alice)
	require.NoError(t, err)

	require.Len(t, res.Closed, 1)
	assert.Equal(t, id, res.Closed[0].Position.ID)
	assert.Equal(t, "-5250", res.Closed[0].Realized.String())
	assert.Equal(t, "-5000", res.Closed[0].Settled.String())
	assert.Equal(t, ledger.JournalTypeStopOutSettlement, res.Transfers[0].Type)

	assert.Equal(t, "0", f.balance(alice))
	assert.Equal(t, "15000", f.liquidity())
	assert.Zero(t, f.ledger.PositionCount())
	assert.Equal(t, state.SafetyStateSafe, f.ledger.TraderSafety(alice))
}

func TestTraderStopOut_ClosesInIDOrder(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.withThresholds(t)
	first := f.open(t, alice, long10, 2500)
	second := f.open(t, alice, long10, 2500)

	f.setPrice(t, "2.1")
	_, err := f.protocol.TraderMarginCall(f.ledger, alice)
	require.NoError(t, err)
	f.setPrice(t, "2")

	res, err := f.protocol.TraderStopOut(f.ledger, alice)
	require.NoError(t, err)
	require.Len(t, res.Closed, 2)
	assert.Equal(t, first, res.Closed[0].Position.ID)
	assert.Equal(t, second, res.Closed[1].Position.ID)
	// first loses 2625 of 5000, second is capped at the remaining 2375.
	assert.Equal(t, "-2625", res.Closed[0].Settled.String())
	assert.Equal(t, "-2375", res.Closed[1].Settled.String())
}

func TestTraderWithoutThresholdNeverMarginCalled(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.open(t, alice, long10, 5000)
	f.setPrice(t, "2")

	_, err := f.protocol.TraderMarginCall(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrSafeTrader)
}

func setPoolThresholds(t *testing.T, f *fixture, enp, ell *state.RiskThreshold) {
	t.Helper()
	require.NoError(t, f.registry.SetPoolThresholds(0, enp, ell))
}

func threshold(marginCall, stopOut string) *state.RiskThreshold {
	return &state.RiskThreshold{
		MarginCall: fpmath.MustParse(marginCall),
		StopOut:    fpmath.MustParse(stopOut),
	}
}

func TestPoolSafety_BreachRule(t *testing.T) {
	// One long of 5000 FEUR and one short of 2000: net exposure
	// 15150 - 5940 = 9210, larger leg 15150. Pool equity 10000 + upl losses.
	tests := []struct {
		name     string
		rule     core.PoolBreachRule
		enp, ell *state.RiskThreshold
		wantErr  error
	}{
		{"any: enp breached", core.PoolBreachAny, threshold("2", "0.1"), threshold("0.1", "0.05"), nil},
		{"any: none breached", core.PoolBreachAny, threshold("0.1", "0.05"), threshold("0.1", "0.05"), state.ErrSafePool},
		{"all: only enp breached", core.PoolBreachAll, threshold("2", "0.1"), threshold("0.1", "0.05"), state.ErrSafePool},
		{"all: both breached", core.PoolBreachAll, threshold("2", "0.1"), threshold("1", "0.05"), nil},
		{"all: single configured", core.PoolBreachAll, threshold("2", "0.1"), nil, nil},
		{"no thresholds", core.PoolBreachAny, nil, nil, state.ErrSafePool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.rule)
			f.open(t, alice, long10, 5000)
			_, err := f.protocol.Deposit(f.ledger, bob, fpmath.FromInt(5000))
			require.NoError(t, err)
			f.open(t, bob, short10, 2000)
			setPoolThresholds(t, f, tt.enp, tt.ell)

			_, err = f.protocol.PoolMarginCall(f.ledger, 0)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, state.SafetyStateSafe, f.ledger.PoolSafety(0))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, state.SafetyStateMarginCalled, f.ledger.PoolSafety(0))
		})
	}
}

func TestPoolSafety_Lifecycle(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.open(t, alice, long10, 5000)
	setPoolThresholds(t, f, threshold("0.5", "0.2"), nil)

	_, err := f.protocol.PoolMarginCall(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrSafePool)
	_, err = f.protocol.PoolBecomeSafe(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrPoolNotMarginCalled)

	// Price up: the long gains, the pool's equity drops.
	// bid 3.564: upl 2670, pool equity 7330, ENP 0.48.
	f.setPrice(t, "3.6")
	_, err = f.protocol.PoolMarginCall(f.ledger, 0)
	require.NoError(t, err)
	_, err = f.protocol.PoolMarginCall(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrPoolMarginCalled)

	_, err = f.protocol.PoolStopOut(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrNotReachedRiskThreshold)
	_, err = f.protocol.PoolBecomeSafe(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrUnsafePool)

	// Withdrawals are frozen while margin called.
	_, err = f.protocol.WithdrawLiquidity(f.ledger, 0, fpmath.FromInt(1))
	assert.ErrorIs(t, err, state.ErrPoolMarginCalled)

	f.setPrice(t, "3")
	_, err = f.protocol.PoolBecomeSafe(f.ledger, 0)
	require.NoError(t, err)
}

func TestPoolStopOut(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.open(t, alice, long10, 5000)
	setPoolThresholds(t, f, threshold("0.5", "0.2"), nil)

	f.setPrice(t, "3.6")
	_, err := f.protocol.PoolMarginCall(f.ledger, 0)
	require.NoError(t, err)

	// bid 4.158: upl 5640, pool equity 4360, ENP 0.29 > 0.2.
	f.setPrice(t, "4.2")
	_, err = f.protocol.PoolStopOut(f.ledger, 0)
	assert.ErrorIs(t, err, state.ErrNotReachedRiskThreshold)

	// bid 4.455: upl 7125, pool equity 2875, ENP 0.19.
	f.setPrice(t, "4.5")
	res, err := f.protocol.PoolStopOut(f.ledger, 0)
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, "12125", f.balance(alice))
	assert.Equal(t, "2875", f.liquidity())
	assert.Zero(t, f.ledger.PositionCount())
	assert.Equal(t, state.SafetyStateSafe, f.ledger.PoolSafety(0))
}

// ============================================================================
// Atomicity
// ============================================================================

func TestFailedOperationsLeaveStateUntouched(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	id := f.open(t, alice, long10, 5000)
	before := f.ledger.CanonicalBytes()

	_, err := f.protocol.OpenPosition(f.ledger, alice, 0, eurUSD, long10, fpmath.FromInt(100), ptr(fpmath.FromInt(1)))
	assert.ErrorIs(t, err, state.ErrMarketPriceTooHigh)
	_, err = f.protocol.ClosePosition(f.ledger, alice, id, ptr(fpmath.FromInt(10)))
	assert.ErrorIs(t, err, state.ErrMarketPriceTooLow)
	_, err = f.protocol.Withdraw(f.ledger, alice, fpmath.FromInt(10000))
	assert.ErrorIs(t, err, state.ErrInsufficientFreeBalance)
	_, err = f.protocol.TraderStopOut(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrTraderNotMarginCalled)

	assert.Equal(t, before, f.ledger.CanonicalBytes())
	assert.Equal(t, "10000", f.liquidity())
	require.NoError(t, f.ledger.CheckIndices())
}

func TestStopOut_RollsBackWhenAnyCloseFails(t *testing.T) {
	f := newFixture(t, core.PoolBreachAny)
	f.withThresholds(t)
	require.NoError(t, f.registry.AddPool(market.PoolConfig{
		ID:         1,
		Liquidity:  fpmath.Max(),
		AskSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
		BidSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
	}))

	f.open(t, alice, long10, 2500)
	_, err := f.protocol.OpenPosition(f.ledger, alice, 1, eurUSD, long10, fpmath.FromInt(2500), nil)
	require.NoError(t, err)

	f.setPrice(t, "2.1")
	_, err = f.protocol.TraderMarginCall(f.ledger, alice)
	require.NoError(t, err)
	f.setPrice(t, "2")
	before := f.ledger.CanonicalBytes()

	// The first close settles into pool 0; the second overflows pool 1.
	_, err = f.protocol.TraderStopOut(f.ledger, alice)
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)

	assert.Equal(t, before, f.ledger.CanonicalBytes())
	assert.Equal(t, "5000", f.balance(alice))
	assert.Equal(t, "10000", f.liquidity())
	assert.Equal(t, 2, f.ledger.PositionCount())
	assert.Equal(t, state.SafetyStateMarginCalled, f.ledger.TraderSafety(alice))
}

func TestParsePoolBreachRule(t *testing.T) {
	rule, err := core.ParsePoolBreachRule("ALL")
	require.NoError(t, err)
	assert.Equal(t, core.PoolBreachAll, rule)

	rule, err = core.ParsePoolBreachRule("")
	require.NoError(t, err)
	assert.Equal(t, core.PoolBreachAny, rule)

	_, err = core.ParsePoolBreachRule("most")
	assert.Error(t, err)
}

func ptr[T any](v T) *T {
	return &v
}
