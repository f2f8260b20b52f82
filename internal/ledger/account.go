package ledger

import (
	"fmt"
	"strconv"

	"MarginLedger/internal/state"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeTrader AccountScope = iota
	AccountScopePool
	AccountScopeExternal
)

// External boundary accounts. Money entering or leaving the venue moves
// through one of these.
const (
	ExternalTraderDeposits    = "trader_deposits"
	ExternalTraderWithdrawals = "trader_withdrawals"
	ExternalPoolDeposits      = "pool_deposits"
	ExternalPoolWithdrawals   = "pool_withdrawals"
)

// AccountKey is the in-memory key for balance tracking. Trader accounts hold
// collateral, pool accounts hold liquidity.
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte
	Name     string
}

// TraderAccount returns the collateral account of a trader.
func TraderAccount(trader state.TraderID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeTrader,
		EntityID: trader,
	}
}

// PoolAccount returns the liquidity account of a pool.
func PoolAccount(pool state.PoolID) AccountKey {
	return AccountKey{
		Scope: AccountScopePool,
		Name:  strconv.FormatUint(uint64(pool), 10),
	}
}

// ExternalAccount returns a boundary account by name.
func ExternalAccount(name string) AccountKey {
	return AccountKey{
		Scope: AccountScopeExternal,
		Name:  name,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeTrader:
		return fmt.Sprintf("trader:%s:collateral", uuid.UUID(k.EntityID).String())
	case AccountScopePool:
		return fmt.Sprintf("pool:%s:liquidity", k.Name)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.Name)
	}
	return "unknown"
}

// IsInternal reports whether the account is a trader or pool account.
// Internal accounts may never go negative.
func (k AccountKey) IsInternal() bool {
	return k.Scope == AccountScopeTrader || k.Scope == AccountScopePool
}
