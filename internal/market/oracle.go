// Package market holds the in-memory price feed and liquidity pool
// registry the margin protocol prices and settles against.
package market

import (
	"fmt"
	"sync"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

// Oracle stores the latest USD price per currency and derives cross
// prices from them. AUSD is always worth 1.
type Oracle struct {
	mu     sync.RWMutex
	prices map[state.Currency]fpmath.Fixed
}

func NewOracle() *Oracle {
	return &Oracle{
		prices: make(map[state.Currency]fpmath.Fixed),
	}
}

// SetPrice records the USD price of currency.
func (o *Oracle) SetPrice(currency state.Currency, usd fpmath.Fixed) error {
	if currency == state.AUSD {
		return fmt.Errorf("price of %s is fixed", state.AUSD)
	}
	if !usd.IsPositive() {
		return fmt.Errorf("price of %s must be positive, got %s", currency, usd)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[currency] = usd
	return nil
}

// USDPrice returns the USD price of currency.
func (o *Oracle) USDPrice(currency state.Currency) (fpmath.Fixed, bool) {
	if currency == state.AUSD {
		return fpmath.One(), true
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[currency]
	return p, ok
}

// Price returns one unit of quote expressed in base. A missing price fails
// with ErrNoPrice and an unrepresentable cross price with ErrNumOutOfBound.
func (o *Oracle) Price(base, quote state.Currency) (fpmath.Fixed, error) {
	baseUSD, ok := o.USDPrice(base)
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("%s: %w", base, state.ErrNoPrice)
	}
	quoteUSD, ok := o.USDPrice(quote)
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("%s: %w", quote, state.ErrNoPrice)
	}
	price, err := quoteUSD.Div(baseUSD)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("%s/%s: %w", quote, base, err)
	}
	return price, nil
}

// Prices returns a copy of every recorded USD price.
func (o *Oracle) Prices() map[state.Currency]fpmath.Fixed {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[state.Currency]fpmath.Fixed, len(o.prices))
	for c, p := range o.prices {
		out[c] = p
	}
	return out
}

// Restore replaces every recorded price.
func (o *Oracle) Restore(prices map[state.Currency]fpmath.Fixed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices = make(map[state.Currency]fpmath.Fixed, len(prices))
	for c, p := range prices {
		o.prices[c] = p
	}
}
