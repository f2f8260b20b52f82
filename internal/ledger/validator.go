package ledger

import (
	"fmt"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// InvariantValidator checks the journal books against the protocol state.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the books are zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	total, err := v.tracker.ComputeGlobalBalance()
	if err != nil {
		return err
	}
	if !total.IsZero() {
		return fmt.Errorf("global balance is non-zero: %s", total)
	}
	return nil
}

// ValidateInternalNonNegative checks that no trader or pool account is negative
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	for key := range v.tracker.balances {
		if !key.IsInternal() {
			continue
		}
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTraderBalance checks the tracked collateral of a trader against the
// ledger balance.
func (v *InvariantValidator) ValidateTraderBalance(trader state.TraderID, balance fpmath.Fixed) error {
	tracked := v.tracker.GetBalance(TraderAccount(trader))
	if !tracked.Equal(balance) {
		return fmt.Errorf("trader %s: journal balance %s, ledger balance %s", trader, tracked, balance)
	}
	return nil
}

// ValidatePoolLiquidity checks the tracked liquidity of a pool against the
// registry.
func (v *InvariantValidator) ValidatePoolLiquidity(pool state.PoolID, liquidity fpmath.Fixed) error {
	tracked := v.tracker.GetBalance(PoolAccount(pool))
	if !tracked.Equal(liquidity) {
		return fmt.Errorf("pool %d: journal liquidity %s, registry liquidity %s", pool, tracked, liquidity)
	}
	return nil
}
