package state_test

import (
	"encoding/json"
	"testing"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice  = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob    = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	eurUSD = state.TradingPair{Base: "FEUR", Quote: state.AUSD}
	jpyUSD = state.TradingPair{Base: "FJPY", Quote: state.AUSD}
)

func newPosition(owner state.TraderID, pool state.PoolID, pair state.TradingPair) state.Position {
	return state.Position{
		Owner:              owner,
		Pool:               pool,
		Pair:               pair,
		Leverage:           state.Leverage{Side: state.SideLong, Multiple: 10},
		LeveragedHeld:      fpmath.FromInt(5000),
		LeveragedDebit:     fpmath.FromInt(-15150),
		LeveragedHeldInUSD: fpmath.FromInt(15150),
		OpenMargin:         fpmath.MustParse("1650.165016501650165016"),
	}
}

// ============================================================================
// Test: position ids and indices
// ============================================================================

func TestLedger_InsertAssignsIncreasingIDs(t *testing.T) {
	l := state.NewLedger()

	first, err := l.InsertPosition(newPosition(alice, 0, eurUSD))
	require.NoError(t, err)
	second, err := l.InsertPosition(newPosition(alice, 0, eurUSD))
	require.NoError(t, err)

	assert.Equal(t, state.PositionID(0), first)
	assert.Equal(t, state.PositionID(1), second)
	assert.Equal(t, state.PositionID(2), l.NextPositionID())
}

func TestLedger_IDsNeverReused(t *testing.T) {
	l := state.NewLedger()

	id, err := l.InsertPosition(newPosition(alice, 0, eurUSD))
	require.NoError(t, err)
	_, err = l.RemovePosition(id)
	require.NoError(t, err)

	next, err := l.InsertPosition(newPosition(alice, 0, eurUSD))
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestLedger_IndicesFollowInsertAndRemove(t *testing.T) {
	l := state.NewLedger()

	a0, _ := l.InsertPosition(newPosition(alice, 0, eurUSD))
	b0, _ := l.InsertPosition(newPosition(bob, 0, eurUSD))
	a1, _ := l.InsertPosition(newPosition(alice, 1, jpyUSD))
	require.NoError(t, l.CheckIndices())

	assert.Equal(t, []state.PositionID{a0, a1}, l.TraderPositionIDs(alice))
	assert.Equal(t, []state.PositionID{a0}, l.TraderPoolPositionIDs(alice, 0))
	assert.Equal(t, []state.PositionID{a0, b0}, l.PoolPositionIDs(0))
	assert.Equal(t, []state.PositionID{a1}, l.PoolPairPositionIDs(1, jpyUSD))
	assert.Equal(t, []state.TradingPair{eurUSD, jpyUSD}, l.TraderPairs(alice))

	removed, err := l.RemovePosition(a0)
	require.NoError(t, err)
	assert.Equal(t, alice, removed.Owner)
	require.NoError(t, l.CheckIndices())

	assert.Equal(t, []state.PositionID{a1}, l.TraderPositionIDs(alice))
	assert.Equal(t, []state.PositionID{b0}, l.PoolPositionIDs(0))
	assert.Empty(t, l.TraderPoolPositionIDs(alice, 0))

	_, err = l.RemovePosition(a0)
	assert.ErrorIs(t, err, state.ErrPositionNotFound)
}

func TestLedger_IndexSlicesAreCopies(t *testing.T) {
	l := state.NewLedger()
	id, _ := l.InsertPosition(newPosition(alice, 0, eurUSD))

	ids := l.TraderPoolPositionIDs(alice, 0)
	ids[0] = 99

	assert.Equal(t, []state.PositionID{id}, l.TraderPoolPositionIDs(alice, 0))
}

// ============================================================================
// Test: balances and safety flags
// ============================================================================

func TestLedger_Balances(t *testing.T) {
	l := state.NewLedger()
	assert.True(t, l.Balance(alice).IsZero())

	require.NoError(t, l.SetBalance(alice, fpmath.FromInt(5000)))
	assert.Equal(t, "5000", l.Balance(alice).String())

	err := l.SetBalance(alice, fpmath.FromInt(-1))
	assert.Error(t, err)
	assert.Equal(t, "5000", l.Balance(alice).String())

	require.NoError(t, l.SetBalance(alice, fpmath.Zero()))
	assert.Empty(t, l.Traders())
}

func TestLedger_SafetyTransitions(t *testing.T) {
	l := state.NewLedger()

	assert.Equal(t, state.SafetyStateSafe, l.TraderSafety(alice))
	assert.ErrorIs(t, l.SetTraderSafety(alice, state.SafetyStateSafe), state.ErrTraderNotMarginCalled)

	require.NoError(t, l.SetTraderSafety(alice, state.SafetyStateMarginCalled))
	assert.ErrorIs(t, l.SetTraderSafety(alice, state.SafetyStateMarginCalled), state.ErrTraderMarginCalled)
	assert.Equal(t, []state.TraderID{alice}, l.MarginCalledTraders())

	require.NoError(t, l.SetTraderSafety(alice, state.SafetyStateSafe))
	assert.Empty(t, l.MarginCalledTraders())

	assert.ErrorIs(t, l.SetPoolSafety(3, state.SafetyStateSafe), state.ErrPoolNotMarginCalled)
	require.NoError(t, l.SetPoolSafety(3, state.SafetyStateMarginCalled))
	assert.ErrorIs(t, l.SetPoolSafety(3, state.SafetyStateMarginCalled), state.ErrPoolMarginCalled)
	assert.Equal(t, []state.PoolID{3}, l.MarginCalledPools())
}

// ============================================================================
// Test: clone and snapshot
// ============================================================================

func TestLedger_CloneIsIndependent(t *testing.T) {
	l := state.NewLedger()
	require.NoError(t, l.SetBalance(alice, fpmath.FromInt(100)))
	id, _ := l.InsertPosition(newPosition(alice, 0, eurUSD))

	c := l.Clone()
	_, err := c.RemovePosition(id)
	require.NoError(t, err)
	require.NoError(t, c.SetBalance(alice, fpmath.FromInt(1)))
	require.NoError(t, c.SetTraderSafety(alice, state.SafetyStateMarginCalled))
	_, _ = c.InsertPosition(newPosition(bob, 1, jpyUSD))

	_, ok := l.Position(id)
	assert.True(t, ok)
	assert.Equal(t, "100", l.Balance(alice).String())
	assert.Equal(t, state.SafetyStateSafe, l.TraderSafety(alice))
	assert.Equal(t, state.PositionID(1), l.NextPositionID())
	require.NoError(t, l.CheckIndices())
	require.NoError(t, c.CheckIndices())
}

func TestLedger_SnapshotRoundTrip(t *testing.T) {
	l := state.NewLedger()
	require.NoError(t, l.SetBalance(alice, fpmath.FromInt(5000)))
	require.NoError(t, l.SetBalance(bob, fpmath.MustParse("12.5")))
	_, _ = l.InsertPosition(newPosition(alice, 0, eurUSD))
	removed, _ := l.InsertPosition(newPosition(bob, 0, jpyUSD))
	_, _ = l.InsertPosition(newPosition(bob, 1, eurUSD))
	_, _ = l.RemovePosition(removed)
	require.NoError(t, l.SetTraderSafety(bob, state.SafetyStateMarginCalled))
	require.NoError(t, l.SetPoolSafety(1, state.SafetyStateMarginCalled))

	data, err := json.Marshal(l.Snapshot())
	require.NoError(t, err)

	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	restored, err := state.LedgerFromSnapshot(&snap)
	require.NoError(t, err)

	require.NoError(t, restored.CheckIndices())
	assert.Equal(t, l.CanonicalBytes(), restored.CanonicalBytes())
	assert.Equal(t, state.PositionID(3), restored.NextPositionID())
	assert.Equal(t, state.SafetyStateMarginCalled, restored.TraderSafety(bob))
}

func TestLedgerFromSnapshot_RejectsIDAtOrAboveNext(t *testing.T) {
	p := newPosition(alice, 0, eurUSD)
	p.ID = 5
	_, err := state.LedgerFromSnapshot(&state.Snapshot{NextPositionID: 5, Positions: []state.Position{p}})
	assert.Error(t, err)
}

// ============================================================================
// Test: value types
// ============================================================================

func TestLeverage_Validate(t *testing.T) {
	assert.NoError(t, state.Leverage{Side: state.SideShort, Multiple: 20}.Validate())
	assert.ErrorIs(t, state.Leverage{Side: state.SideLong, Multiple: 1}.Validate(), state.ErrInvalidLeverage)
	assert.ErrorIs(t, state.Leverage{Multiple: 10}.Validate(), state.ErrInvalidLeverage)
}

func TestTradingPair_ParseRoundTrip(t *testing.T) {
	pair, err := state.ParseTradingPair(eurUSD.String())
	require.NoError(t, err)
	assert.Equal(t, eurUSD, pair)

	_, err = state.ParseTradingPair("FEUR")
	assert.Error(t, err)
}

func TestRiskThreshold(t *testing.T) {
	th := state.RiskThreshold{MarginCall: fpmath.MustParse("0.03"), StopOut: fpmath.MustParse("0.01")}
	require.NoError(t, th.Validate())

	assert.True(t, th.MarginCallReached(fpmath.MustParse("0.03")))
	assert.False(t, th.MarginCallReached(fpmath.MustParse("0.0301")))
	assert.True(t, th.StopOutReached(fpmath.MustParse("-1")))

	inverted := state.RiskThreshold{MarginCall: th.StopOut, StopOut: th.MarginCall}
	assert.Error(t, inverted.Validate())
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "num_out_of_bound", state.ErrorKind(fpmath.ErrOutOfBound))
	assert.Equal(t, "unsafe_trader", state.ErrorKind(state.ErrUnsafeTrader))
	assert.Equal(t, "internal", state.ErrorKind(assert.AnError))
}
