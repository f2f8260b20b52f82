package state

import (
	"errors"

	fpmath "MarginLedger/internal/math"
)

// Errors returned by ledger operations. Every one of them leaves the ledger
// untouched.
var (
	ErrNoPrice                 = errors.New("no price")
	ErrNoAskSpread             = errors.New("no ask spread")
	ErrNoBidSpread             = errors.New("no bid spread")
	ErrMarketPriceTooHigh      = errors.New("market price too high")
	ErrMarketPriceTooLow       = errors.New("market price too low")
	ErrNumOutOfBound           = fpmath.ErrOutOfBound
	ErrInsufficientFreeBalance = errors.New("insufficient free balance")
	ErrPositionNotFound        = errors.New("position not found")
	ErrNotPositionOwner        = errors.New("not position owner")
	ErrSafeTrader              = errors.New("trader is safe")
	ErrUnsafeTrader            = errors.New("trader is unsafe")
	ErrSafePool                = errors.New("pool is safe")
	ErrUnsafePool              = errors.New("pool is unsafe")
	ErrNotReachedRiskThreshold = errors.New("risk threshold not reached")
	ErrTraderMarginCalled      = errors.New("trader is margin called")
	ErrTraderNotMarginCalled   = errors.New("trader is not margin called")
	ErrPoolMarginCalled        = errors.New("pool is margin called")
	ErrPoolNotMarginCalled     = errors.New("pool is not margin called")
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrInvalidLeverage         = errors.New("invalid leverage")
	ErrInsufficientLiquidity   = errors.New("insufficient pool liquidity")
)

// ErrorKind maps an error to a short label for logs and metrics.
func ErrorKind(err error) string {
	kinds := []struct {
		err  error
		kind string
	}{
		{ErrNoPrice, "no_price"},
		{ErrNoAskSpread, "no_ask_spread"},
		{ErrNoBidSpread, "no_bid_spread"},
		{ErrMarketPriceTooHigh, "market_price_too_high"},
		{ErrMarketPriceTooLow, "market_price_too_low"},
		{ErrNumOutOfBound, "num_out_of_bound"},
		{ErrInsufficientFreeBalance, "insufficient_free_balance"},
		{ErrPositionNotFound, "position_not_found"},
		{ErrNotPositionOwner, "not_position_owner"},
		{ErrSafeTrader, "safe_trader"},
		{ErrUnsafeTrader, "unsafe_trader"},
		{ErrSafePool, "safe_pool"},
		{ErrUnsafePool, "unsafe_pool"},
		{ErrNotReachedRiskThreshold, "not_reached_risk_threshold"},
		{ErrTraderMarginCalled, "trader_margin_called"},
		{ErrTraderNotMarginCalled, "trader_not_margin_called"},
		{ErrPoolMarginCalled, "pool_margin_called"},
		{ErrPoolNotMarginCalled, "pool_not_margin_called"},
		{ErrInvalidAmount, "invalid_amount"},
		{ErrInvalidLeverage, "invalid_leverage"},
		{ErrInsufficientLiquidity, "insufficient_liquidity"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
