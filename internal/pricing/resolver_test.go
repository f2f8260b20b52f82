package pricing_test

import (
	"testing"

	"MarginLedger/internal/market"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/pricing"
	"MarginLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T) *pricing.Resolver {
	t.Helper()
	oracle := market.NewOracle()
	require.NoError(t, oracle.SetPrice("FEUR", fpmath.FromInt(3)))

	registry := market.NewRegistry()
	require.NoError(t, registry.AddPool(market.PoolConfig{
		ID:         0,
		AskSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
		BidSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
	}))
	return pricing.NewResolver(oracle, registry)
}

func TestResolver_AskAndBid(t *testing.T) {
	r := newResolver(t)

	ask, err := r.AskPrice(0, "FEUR", state.AUSD, nil)
	require.NoError(t, err)
	assert.Equal(t, "3.03", ask.String())

	bid, err := r.BidPrice(0, "FEUR", state.AUSD, nil)
	require.NoError(t, err)
	assert.Equal(t, "2.97", bid.String())
}

func TestResolver_SlippageGuards(t *testing.T) {
	r := newResolver(t)

	maxPrice := fpmath.FromInt(4)
	_, err := r.AskPrice(0, "FEUR", state.AUSD, &maxPrice)
	assert.NoError(t, err)

	maxPrice = fpmath.FromInt(3)
	_, err = r.AskPrice(0, "FEUR", state.AUSD, &maxPrice)
	assert.ErrorIs(t, err, state.ErrMarketPriceTooHigh)

	minPrice := fpmath.FromInt(3)
	_, err = r.BidPrice(0, "FEUR", state.AUSD, &minPrice)
	assert.ErrorIs(t, err, state.ErrMarketPriceTooLow)
}

func TestResolver_MissingConfiguration(t *testing.T) {
	r := newResolver(t)

	_, err := r.AskPrice(1, "FEUR", state.AUSD, nil)
	assert.ErrorIs(t, err, state.ErrNoAskSpread)

	_, err = r.BidPrice(1, "FEUR", state.AUSD, nil)
	assert.ErrorIs(t, err, state.ErrNoBidSpread)

	_, err = r.AskPrice(0, "FJPY", state.AUSD, nil)
	assert.ErrorIs(t, err, state.ErrNoPrice)

	_, err = r.USDValue("FJPY", fpmath.One())
	assert.ErrorIs(t, err, state.ErrNoPrice)
}

func TestResolver_USDValue(t *testing.T) {
	r := newResolver(t)

	v, err := r.USDValue("FEUR", fpmath.FromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "300", v.String())

	v, err = r.USDValue(state.AUSD, fpmath.MustParse("-12.5"))
	require.NoError(t, err)
	assert.Equal(t, "-12.5", v.String())

	_, err = r.USDValue("FEUR", fpmath.Max())
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)
}

func TestResolver_CrossPriceOutOfBound(t *testing.T) {
	oracle := market.NewOracle()
	require.NoError(t, oracle.SetPrice("FBIG", fpmath.MustParse("100000000000000000000")))
	require.NoError(t, oracle.SetPrice("FTINY", fpmath.MustParse("0.001")))
	r := pricing.NewResolver(oracle, market.NewRegistry())

	_, err := r.Price("FTINY", "FBIG")
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)

	_, err = r.AskPrice(0, "FBIG", "FTINY", nil)
	assert.ErrorIs(t, err, state.ErrNumOutOfBound)
	assert.NotErrorIs(t, err, state.ErrNoPrice)
}
