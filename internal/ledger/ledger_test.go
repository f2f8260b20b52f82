package ledger_test

import (
	"testing"

	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trader = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	assert.Equal(t, "trader:550e8400-e29b-41d4-a716-446655440000:collateral", ledger.TraderAccount(trader).AccountPath())
	assert.Equal(t, "pool:7:liquidity", ledger.PoolAccount(7).AccountPath())
	assert.Equal(t, "external:trader_deposits", ledger.ExternalAccount(ledger.ExternalTraderDeposits).AccountPath())
}

func TestAccountKey_IsInternal(t *testing.T) {
	assert.True(t, ledger.TraderAccount(trader).IsInternal())
	assert.True(t, ledger.PoolAccount(0).IsInternal())
	assert.False(t, ledger.ExternalAccount(ledger.ExternalPoolDeposits).IsInternal())
}

// ============================================================================
// Test: Batch
// ============================================================================

func settlement(amount string) []ledger.Transfer {
	id := state.PositionID(3)
	return []ledger.Transfer{{
		From:       ledger.TraderAccount(trader),
		To:         ledger.PoolAccount(0),
		Amount:     fpmath.MustParse(amount),
		Type:       ledger.JournalTypePositionSettlement,
		PositionID: &id,
	}}
}

func TestNewBatch_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("cmd-1", 10, 1000, settlement("300"))
	b := ledger.NewBatch("cmd-1", 10, 1000, settlement("300"))
	c := ledger.NewBatch("cmd-2", 11, 1000, settlement("300"))

	assert.Equal(t, a.BatchID, b.BatchID)
	assert.Equal(t, a.Journals[0].JournalID, b.Journals[0].JournalID)
	assert.NotEqual(t, a.BatchID, c.BatchID)

	j := a.Journals[0]
	assert.Equal(t, ledger.PoolAccount(0), j.DebitAccount)
	assert.Equal(t, ledger.TraderAccount(trader), j.CreditAccount)
	assert.Equal(t, int64(10), j.Sequence)
	require.NotNil(t, j.PositionID)
	assert.Equal(t, state.PositionID(3), *j.PositionID)
}

func TestBatch_Validate(t *testing.T) {
	require.NoError(t, ledger.NewBatch("ok", 1, 0, settlement("1")).Validate())

	assert.Error(t, ledger.NewBatch("empty", 1, 0, nil).Validate())
	assert.Error(t, ledger.NewBatch("zero", 1, 0, settlement("0")).Validate())

	self := ledger.NewBatch("self", 1, 0, []ledger.Transfer{{
		From:   ledger.PoolAccount(0),
		To:     ledger.PoolAccount(0),
		Amount: fpmath.One(),
	}})
	assert.Error(t, self.Validate())
}

// ============================================================================
// Test: BalanceTracker and InvariantValidator
// ============================================================================

func TestBalanceTracker_ZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Seed(ledger.PoolAccount(0), fpmath.FromInt(10000), ledger.ExternalAccount(ledger.ExternalPoolDeposits)))

	deposit := ledger.NewBatch("dep", 1, 0, []ledger.Transfer{{
		From:   ledger.ExternalAccount(ledger.ExternalTraderDeposits),
		To:     ledger.TraderAccount(trader),
		Amount: fpmath.FromInt(5000),
		Type:   ledger.JournalTypeDeposit,
	}})
	require.NoError(t, bt.ApplyBatch(deposit))
	require.NoError(t, bt.ApplyBatch(ledger.NewBatch("close", 2, 0, settlement("300"))))

	assert.Equal(t, "4700", bt.GetBalance(ledger.TraderAccount(trader)).String())
	assert.Equal(t, "10300", bt.GetBalance(ledger.PoolAccount(0)).String())

	v := ledger.NewInvariantValidator(bt)
	require.NoError(t, v.ValidateGlobalBalance())
	require.NoError(t, v.ValidateInternalNonNegative())
	require.NoError(t, v.ValidateTraderBalance(trader, fpmath.FromInt(4700)))
	require.NoError(t, v.ValidatePoolLiquidity(0, fpmath.FromInt(10300)))
	assert.Error(t, v.ValidatePoolLiquidity(0, fpmath.FromInt(10000)))
}

func TestBalanceTracker_NegativeInternalDetected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.ApplyBatch(ledger.NewBatch("close", 1, 0, settlement("1"))))

	v := ledger.NewInvariantValidator(bt)
	require.NoError(t, v.ValidateGlobalBalance())
	assert.Error(t, v.ValidateInternalNonNegative())
}

func TestBalanceTracker_FailedBatchLeavesBalances(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	require.NoError(t, bt.Seed(ledger.TraderAccount(trader), fpmath.FromInt(1), ledger.ExternalAccount(ledger.ExternalTraderDeposits)))

	overflow := ledger.NewBatch("overflow", 1, 0, []ledger.Transfer{
		{From: ledger.PoolAccount(1), To: ledger.TraderAccount(trader), Amount: fpmath.FromInt(5)},
		{From: ledger.PoolAccount(2), To: ledger.TraderAccount(trader), Amount: fpmath.Max()},
	})
	assert.Error(t, bt.ApplyBatch(overflow))

	assert.Equal(t, "1", bt.GetBalance(ledger.TraderAccount(trader)).String())
	assert.True(t, bt.GetBalance(ledger.PoolAccount(1)).IsZero())
}

func TestBalanceTracker_CheckTransfers(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	external := ledger.ExternalAccount(ledger.ExternalTraderDeposits)
	require.NoError(t, bt.Seed(ledger.TraderAccount(trader), fpmath.Max(), external))

	other := uuid.MustParse("550e8400-e29b-41d4-a716-446655440001")
	deposit := []ledger.Transfer{{From: external, To: ledger.TraderAccount(other), Amount: fpmath.One()}}
	err := bt.CheckTransfers(deposit)
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)
	assert.Contains(t, err.Error(), "external:trader_deposits")

	withdraw := []ledger.Transfer{{From: ledger.TraderAccount(trader), To: ledger.ExternalAccount(ledger.ExternalTraderWithdrawals), Amount: fpmath.One()}}
	require.NoError(t, bt.CheckTransfers(withdraw))
	assert.True(t, bt.GetBalance(ledger.TraderAccount(trader)).Equal(fpmath.Max()))
	assert.True(t, bt.GetBalance(ledger.ExternalAccount(ledger.ExternalTraderWithdrawals)).IsZero())
}

func TestBalanceTracker_GlobalBalanceWithExtremeAccounts(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	maxNeg, err := fpmath.Max().Neg()
	require.NoError(t, err)
	bt.SetBalance(ledger.PoolAccount(1), fpmath.Max())
	bt.SetBalance(ledger.PoolAccount(2), fpmath.Max())
	bt.SetBalance(ledger.ExternalAccount(ledger.ExternalPoolDeposits), maxNeg)
	bt.SetBalance(ledger.ExternalAccount(ledger.ExternalTraderDeposits), maxNeg)

	for i := 0; i < 20; i++ {
		total, err := bt.ComputeGlobalBalance()
		require.NoError(t, err)
		assert.True(t, total.IsZero())
	}
	require.NoError(t, ledger.NewInvariantValidator(bt).ValidateGlobalBalance())
}
