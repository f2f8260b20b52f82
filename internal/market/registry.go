package market

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/state"
)

var (
	ErrUnknownPool = errors.New("unknown pool")
	ErrPoolExists  = errors.New("pool already exists")
)

// PoolConfig bootstraps one liquidity pool.
type PoolConfig struct {
	ID           state.PoolID
	Liquidity    fpmath.Fixed
	AskSpreads   map[state.Currency]fpmath.Fixed
	BidSpreads   map[state.Currency]fpmath.Fixed
	SwapRates    map[state.TradingPair]fpmath.Fixed
	ENPThreshold *state.RiskThreshold
	ELLThreshold *state.RiskThreshold
}

type pool struct {
	liquidity    fpmath.Fixed
	askSpreads   map[state.Currency]fpmath.Fixed
	bidSpreads   map[state.Currency]fpmath.Fixed
	swapRates    map[state.TradingPair]fpmath.Fixed
	enpThreshold *state.RiskThreshold
	ellThreshold *state.RiskThreshold
}

// PoolInfo is a read-only view of one pool.
type PoolInfo struct {
	ID           state.PoolID                    `json:"id"`
	Liquidity    fpmath.Fixed                    `json:"liquidity"`
	AskSpreads   map[state.Currency]fpmath.Fixed `json:"ask_spreads"`
	BidSpreads   map[state.Currency]fpmath.Fixed `json:"bid_spreads"`
	SwapRates    map[string]fpmath.Fixed         `json:"swap_rates"`
	ENPThreshold *state.RiskThreshold            `json:"enp_threshold,omitempty"`
	ELLThreshold *state.RiskThreshold            `json:"ell_threshold,omitempty"`
}

// Registry is the in-memory pool configuration registry. It is safe for
// concurrent use.
type Registry struct {
	mu               sync.RWMutex
	pools            map[state.PoolID]*pool
	traderThresholds map[state.TradingPair]state.RiskThreshold
}

func NewRegistry() *Registry {
	return &Registry{
		pools:            make(map[state.PoolID]*pool),
		traderThresholds: make(map[state.TradingPair]state.RiskThreshold),
	}
}

// AddPool registers a pool. Thresholds are validated.
func (r *Registry) AddPool(cfg PoolConfig) error {
	if cfg.Liquidity.IsNegative() {
		return fmt.Errorf("pool %d: negative liquidity %s", cfg.ID, cfg.Liquidity)
	}
	for _, th := range []*state.RiskThreshold{cfg.ENPThreshold, cfg.ELLThreshold} {
		if th == nil {
			continue
		}
		if err := th.Validate(); err != nil {
			return fmt.Errorf("pool %d: %w", cfg.ID, err)
		}
	}

	p := &pool{
		liquidity:    cfg.Liquidity,
		askSpreads:   make(map[state.Currency]fpmath.Fixed, len(cfg.AskSpreads)),
		bidSpreads:   make(map[state.Currency]fpmath.Fixed, len(cfg.BidSpreads)),
		swapRates:    make(map[state.TradingPair]fpmath.Fixed, len(cfg.SwapRates)),
		enpThreshold: cfg.ENPThreshold,
		ellThreshold: cfg.ELLThreshold,
	}
	for c, s := range cfg.AskSpreads {
		if err := validateSpread(s); err != nil {
			return fmt.Errorf("pool %d ask spread %s: %w", cfg.ID, c, err)
		}
		p.askSpreads[c] = s
	}
	for c, s := range cfg.BidSpreads {
		if err := validateSpread(s); err != nil {
			return fmt.Errorf("pool %d bid spread %s: %w", cfg.ID, c, err)
		}
		p.bidSpreads[c] = s
	}
	for pair, rate := range cfg.SwapRates {
		p.swapRates[pair] = rate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pools[cfg.ID]; exists {
		return fmt.Errorf("pool %d: %w", cfg.ID, ErrPoolExists)
	}
	r.pools[cfg.ID] = p
	return nil
}

func validateSpread(s fpmath.Fixed) error {
	if s.IsNegative() || !s.LessThan(fpmath.One()) {
		return fmt.Errorf("spread %s outside [0, 1)", s)
	}
	return nil
}

// SetSpread configures the ask and bid spread of currency in a pool.
func (r *Registry) SetSpread(id state.PoolID, currency state.Currency, ask, bid fpmath.Fixed) error {
	if err := validateSpread(ask); err != nil {
		return err
	}
	if err := validateSpread(bid); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	p.askSpreads[currency] = ask
	p.bidSpreads[currency] = bid
	return nil
}

// SetAccumulatedSwapRate overwrites the accumulated swap rate of a pair.
func (r *Registry) SetAccumulatedSwapRate(id state.PoolID, pair state.TradingPair, rate fpmath.Fixed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	p.swapRates[pair] = rate
	return nil
}

// AccumulateSwapRate adds delta to the accumulated swap rate of a pair and
// returns the new rate.
func (r *Registry) AccumulateSwapRate(id state.PoolID, pair state.TradingPair, delta fpmath.Fixed) (fpmath.Fixed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fpmath.Fixed{}, fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	rate, err := p.swapRates[pair].Add(delta)
	if err != nil {
		return fpmath.Fixed{}, fmt.Errorf("pool %d %s swap rate: %w", id, pair, err)
	}
	p.swapRates[pair] = rate
	return rate, nil
}

// SetTraderThreshold configures the margin-call and stop-out levels for
// traders holding pair.
func (r *Registry) SetTraderThreshold(pair state.TradingPair, th state.RiskThreshold) error {
	if err := th.Validate(); err != nil {
		return fmt.Errorf("%s: %w", pair, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.traderThresholds[pair] = th
	return nil
}

// SetPoolThresholds configures ENP and ELL levels of a pool. A nil threshold
// leaves that ratio ungated.
func (r *Registry) SetPoolThresholds(id state.PoolID, enp, ell *state.RiskThreshold) error {
	for _, th := range []*state.RiskThreshold{enp, ell} {
		if th == nil {
			continue
		}
		if err := th.Validate(); err != nil {
			return fmt.Errorf("pool %d: %w", id, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	p.enpThreshold = enp
	p.ellThreshold = ell
	return nil
}

// === pricing.PoolRegistry ===

func (r *Registry) AskSpread(id state.PoolID, currency state.Currency) (fpmath.Fixed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return fpmath.Fixed{}, false
	}
	s, ok := p.askSpreads[currency]
	return s, ok
}

func (r *Registry) BidSpread(id state.PoolID, currency state.Currency) (fpmath.Fixed, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return fpmath.Fixed{}, false
	}
	s, ok := p.bidSpreads[currency]
	return s, ok
}

func (r *Registry) AccumulatedSwapRate(id state.PoolID, pair state.TradingPair) fpmath.Fixed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return fpmath.Zero()
	}
	return p.swapRates[pair]
}

func (r *Registry) Liquidity(id state.PoolID) fpmath.Fixed {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return fpmath.Zero()
	}
	return p.liquidity
}

func (r *Registry) DepositLiquidity(id state.PoolID, amount fpmath.Fixed) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit %s: %w", amount, state.ErrInvalidAmount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	next, err := p.liquidity.Add(amount)
	if err != nil {
		return fmt.Errorf("pool %d liquidity: %w", id, err)
	}
	p.liquidity = next
	return nil
}

func (r *Registry) WithdrawLiquidity(id state.PoolID, amount fpmath.Fixed) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw %s: %w", amount, state.ErrInvalidAmount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	if !ok {
		return fmt.Errorf("pool %d: %w", id, ErrUnknownPool)
	}
	if amount.GreaterThan(p.liquidity) {
		return fmt.Errorf("pool %d has %s, need %s: %w", id, p.liquidity, amount, state.ErrInsufficientLiquidity)
	}
	next, err := p.liquidity.Sub(amount)
	if err != nil {
		return fmt.Errorf("pool %d liquidity: %w", id, err)
	}
	p.liquidity = next
	return nil
}

func (r *Registry) TraderThreshold(pair state.TradingPair) (state.RiskThreshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	th, ok := r.traderThresholds[pair]
	return th, ok
}

func (r *Registry) ENPThreshold(id state.PoolID) (state.RiskThreshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok || p.enpThreshold == nil {
		return state.RiskThreshold{}, false
	}
	return *p.enpThreshold, true
}

func (r *Registry) ELLThreshold(id state.PoolID) (state.RiskThreshold, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok || p.ellThreshold == nil {
		return state.RiskThreshold{}, false
	}
	return *p.ellThreshold, true
}

// === Views ===

// PoolIDs returns every registered pool, sorted.
func (r *Registry) PoolIDs() []state.PoolID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]state.PoolID, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Pool returns a copy of one pool's configuration and liquidity.
func (r *Registry) Pool(id state.PoolID) (PoolInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	if !ok {
		return PoolInfo{}, false
	}

	info := PoolInfo{
		ID:           id,
		Liquidity:    p.liquidity,
		AskSpreads:   make(map[state.Currency]fpmath.Fixed, len(p.askSpreads)),
		BidSpreads:   make(map[state.Currency]fpmath.Fixed, len(p.bidSpreads)),
		SwapRates:    make(map[string]fpmath.Fixed, len(p.swapRates)),
		ENPThreshold: p.enpThreshold,
		ELLThreshold: p.ellThreshold,
	}
	for c, s := range p.askSpreads {
		info.AskSpreads[c] = s
	}
	for c, s := range p.bidSpreads {
		info.BidSpreads[c] = s
	}
	for pair, rate := range p.swapRates {
		info.SwapRates[pair.String()] = rate
	}
	return info, true
}

// RestorePool replaces a pool with a previously captured view, adding it if
// it is not registered yet.
func (r *Registry) RestorePool(info PoolInfo) error {
	p := &pool{
		liquidity:    info.Liquidity,
		askSpreads:   make(map[state.Currency]fpmath.Fixed, len(info.AskSpreads)),
		bidSpreads:   make(map[state.Currency]fpmath.Fixed, len(info.BidSpreads)),
		swapRates:    make(map[state.TradingPair]fpmath.Fixed, len(info.SwapRates)),
		enpThreshold: info.ENPThreshold,
		ellThreshold: info.ELLThreshold,
	}
	for c, s := range info.AskSpreads {
		p.askSpreads[c] = s
	}
	for c, s := range info.BidSpreads {
		p.bidSpreads[c] = s
	}
	for key, rate := range info.SwapRates {
		pair, err := state.ParseTradingPair(key)
		if err != nil {
			return fmt.Errorf("pool %d: %w", info.ID, err)
		}
		p.swapRates[pair] = rate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[info.ID] = p
	return nil
}

// Pools returns a view of every pool, ordered by id.
func (r *Registry) Pools() []PoolInfo {
	ids := r.PoolIDs()
	out := make([]PoolInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Pool(id); ok {
			out = append(out, info)
		}
	}
	return out
}

// TraderThresholds returns the per-pair trader thresholds keyed by "BASE/QUOTE".
func (r *Registry) TraderThresholds() map[string]state.RiskThreshold {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]state.RiskThreshold, len(r.traderThresholds))
	for pair, th := range r.traderThresholds {
		out[pair.String()] = th
	}
	return out
}
