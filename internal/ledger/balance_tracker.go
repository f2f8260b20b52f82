package ledger

import (
	"fmt"
	"math/big"

	fpmath "MarginLedger/internal/math"
)

// BalanceTracker replays journals into per-account balances. It mirrors the
// trader balances and pool liquidity the protocol maintains, plus the
// external boundary accounts, so the books can be checked independently.
type BalanceTracker struct {
	balances map[AccountKey]fpmath.Fixed
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]fpmath.Fixed),
	}
}

// Seed sets an opening balance, offset against the given external account so
// the books stay zero-sum.
func (bt *BalanceTracker) Seed(key AccountKey, amount fpmath.Fixed, external AccountKey) error {
	if amount.IsZero() {
		return nil
	}
	return bt.ApplyJournal(Journal{DebitAccount: key, CreditAccount: external, Amount: amount})
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) error {
	debit, err := bt.balances[j.DebitAccount].Add(j.Amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
	}
	credit, err := bt.balances[j.CreditAccount].Sub(j.Amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
	}
	bt.balances[j.DebitAccount] = debit
	bt.balances[j.CreditAccount] = credit
	return nil
}

// ApplyBatch applies all journals in a batch. A failing entry leaves the
// tracker unchanged.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	staged, err := bt.stage(batch.Journals)
	if err != nil {
		return err
	}
	for k, v := range staged {
		bt.balances[k] = v
	}
	return nil
}

// CheckTransfers reports whether the journals of transfers could be applied
// without leaving the representable range. The tracker is not changed.
func (bt *BalanceTracker) CheckTransfers(transfers []Transfer) error {
	journals := make([]Journal, 0, len(transfers))
	for _, tr := range transfers {
		journals = append(journals, Journal{DebitAccount: tr.To, CreditAccount: tr.From, Amount: tr.Amount})
	}
	_, err := bt.stage(journals)
	return err
}

// stage computes the balances of every account touched by journals.
func (bt *BalanceTracker) stage(journals []Journal) (map[AccountKey]fpmath.Fixed, error) {
	staged := make(map[AccountKey]fpmath.Fixed)
	get := func(k AccountKey) fpmath.Fixed {
		if v, ok := staged[k]; ok {
			return v
		}
		return bt.balances[k]
	}
	for _, j := range journals {
		debit, err := get(j.DebitAccount).Add(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("debit %s: %w", j.DebitAccount.AccountPath(), err)
		}
		staged[j.DebitAccount] = debit
		credit, err := get(j.CreditAccount).Sub(j.Amount)
		if err != nil {
			return nil, fmt.Errorf("credit %s: %w", j.CreditAccount.AccountPath(), err)
		}
		staged[j.CreditAccount] = credit
	}
	return staged, nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) fpmath.Fixed {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger).
// Partial sums are unbounded; only the total must be representable.
func (bt *BalanceTracker) ComputeGlobalBalance() (fpmath.Fixed, error) {
	total := new(big.Int)
	for _, balance := range bt.balances {
		total.Add(total, balance.Raw())
	}
	return fpmath.FromRaw(total)
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance.IsNegative() {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]fpmath.Fixed {
	snapshot := make(map[AccountKey]fpmath.Fixed, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance overwrites an account balance. Used only when restoring from a
// snapshot; normal flow goes through ApplyBatch.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount fpmath.Fixed) {
	if amount.IsZero() {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = amount
}
