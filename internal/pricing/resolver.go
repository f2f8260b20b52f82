// Package pricing turns oracle prices and pool spreads into executable
// ask/bid prices and USD valuations.
package pricing

import (
	"fmt"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// PriceOracle supplies the price of one unit of quote expressed in base.
type PriceOracle interface {
	Price(base, quote state.Currency) (fpmath.Fixed, error)
}

// SpreadProvider exposes per-pool spreads keyed by the held currency.
type SpreadProvider interface {
	AskSpread(pool state.PoolID, currency state.Currency) (fpmath.Fixed, bool)
	BidSpread(pool state.PoolID, currency state.Currency) (fpmath.Fixed, bool)
}

// PoolRegistry is the pool configuration and liquidity store the margin
// protocol reads from and settles into.
type PoolRegistry interface {
	SpreadProvider

	AccumulatedSwapRate(pool state.PoolID, pair state.TradingPair) fpmath.Fixed
	Liquidity(pool state.PoolID) fpmath.Fixed
	DepositLiquidity(pool state.PoolID, amount fpmath.Fixed) error
	WithdrawLiquidity(pool state.PoolID, amount fpmath.Fixed) error

	TraderThreshold(pair state.TradingPair) (state.RiskThreshold, bool)
	ENPThreshold(pool state.PoolID) (state.RiskThreshold, bool)
	ELLThreshold(pool state.PoolID) (state.RiskThreshold, bool)
}

// Resolver is the price and spread resolver.
type Resolver struct {
	oracle  PriceOracle
	spreads SpreadProvider
}

func NewResolver(oracle PriceOracle, spreads SpreadProvider) *Resolver {
	return &Resolver{
		oracle:  oracle,
		spreads: spreads,
	}
}

// Price returns one unit of quote expressed in base. A currency is always
// worth one of itself.
func (r *Resolver) Price(base, quote state.Currency) (fpmath.Fixed, error) {
	if base == quote {
		return fpmath.One(), nil
	}
	price, err := r.oracle.Price(base, quote)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("price: %w", err)
	}
	return price, nil
}

// AskPrice returns price(debit, held) * (1 + ask_spread). When maxPrice is set and
// the ask exceeds it the call fails with ErrMarketPriceTooHigh.
func (r *Resolver) AskPrice(pool state.PoolID, held, debit state.Currency, maxPrice *fpmath.Fixed) (fpmath.Fixed, error) {
	price, err := r.Price(debit, held)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	spread, ok := r.spreads.AskSpread(pool, held)
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("pool %d %s: %w", pool, held, state.ErrNoAskSpread)
	}

	ask := price.SaturatingMul(fpmath.One().SaturatingAdd(spread))
	if maxPrice != nil && ask.GreaterThan(*maxPrice) {
		return fpmath.Fixed{}, fmt.Errorf("ask %s above %s: %w", ask, *maxPrice, state.ErrMarketPriceTooHigh)
	}
	return ask, nil
}

// BidPrice returns price(debit, held) * (1 - bid_spread). When minPrice is set and
// the bid is below it the call fails with ErrMarketPriceTooLow.
func (r *Resolver) BidPrice(pool state.PoolID, held, debit state.Currency, minPrice *fpmath.Fixed) (fpmath.Fixed, error) {
	price, err := r.Price(debit, held)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	spread, ok := r.spreads.BidSpread(pool, held)
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("pool %d %s: %w", pool, held, state.ErrNoBidSpread)
	}

	bid := price.SaturatingMul(fpmath.One().SaturatingSub(spread))
	if minPrice != nil && bid.LessThan(*minPrice) {
		return fpmath.Fixed{}, fmt.Errorf("bid %s below %s: %w", bid, *minPrice, state.ErrMarketPriceTooLow)
	}
	return bid, nil
}

// USDValue converts amount of currency into AUSD.
func (r *Resolver) USDValue(currency state.Currency, amount fpmath.Fixed) (fpmath.Fixed, error) {
	rate, err := r.Price(state.AUSD, currency)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	value, err := amount.Mul(rate)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("usd value of %s %s: %w", amount, currency, err)
	}
	return value, nil
}
