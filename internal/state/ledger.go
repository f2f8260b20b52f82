package state

import (
	"bytes"
	"fmt"
	"math"
	"slices"

	fpmath "MarginLedger/internal/math"
)

// Ledger is the owned state of the margin protocol: open positions, their
// trader and pool indices, trader balances and margin-call flags.
//
// Every mutation keeps the indices exactly consistent with the position
// store. A Ledger is not safe for concurrent use; the caller serializes
// access.
type Ledger struct {
	positions map[PositionID]*Position
	byTrader  map[TraderID]map[PoolID][]PositionID
	byPool    map[PoolID]map[TradingPair][]PositionID
	balances  map[TraderID]fpmath.Fixed

	marginCalledTraders map[TraderID]struct{}
	marginCalledPools   map[PoolID]struct{}

	nextPositionID PositionID
}

func NewLedger() *Ledger {
	return &Ledger{
		positions:           make(map[PositionID]*Position),
		byTrader:            make(map[TraderID]map[PoolID][]PositionID),
		byPool:              make(map[PoolID]map[TradingPair][]PositionID),
		balances:            make(map[TraderID]fpmath.Fixed),
		marginCalledTraders: make(map[TraderID]struct{}),
		marginCalledPools:   make(map[PoolID]struct{}),
	}
}

// Clone returns a deep copy. Positions are immutable so the copy shares them.
func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		positions:           make(map[PositionID]*Position, len(l.positions)),
		byTrader:            make(map[TraderID]map[PoolID][]PositionID, len(l.byTrader)),
		byPool:              make(map[PoolID]map[TradingPair][]PositionID, len(l.byPool)),
		balances:            make(map[TraderID]fpmath.Fixed, len(l.balances)),
		marginCalledTraders: make(map[TraderID]struct{}, len(l.marginCalledTraders)),
		marginCalledPools:   make(map[PoolID]struct{}, len(l.marginCalledPools)),
		nextPositionID:      l.nextPositionID,
	}

	for id, p := range l.positions {
		c.positions[id] = p
	}
	for trader, pools := range l.byTrader {
		inner := make(map[PoolID][]PositionID, len(pools))
		for pool, ids := range pools {
			inner[pool] = slices.Clone(ids)
		}
		c.byTrader[trader] = inner
	}
	for pool, pairs := range l.byPool {
		inner := make(map[TradingPair][]PositionID, len(pairs))
		for pair, ids := range pairs {
			inner[pair] = slices.Clone(ids)
		}
		c.byPool[pool] = inner
	}
	for trader, b := range l.balances {
		c.balances[trader] = b
	}
	for trader := range l.marginCalledTraders {
		c.marginCalledTraders[trader] = struct{}{}
	}
	for pool := range l.marginCalledPools {
		c.marginCalledPools[pool] = struct{}{}
	}

	return c
}

// ReplaceWith makes l hold the contents of other. Used to commit a
// transaction that ran on a clone.
func (l *Ledger) ReplaceWith(other *Ledger) {
	*l = *other
}

// === Positions ===

// Position returns a copy of the position with the given id.
func (l *Ledger) Position(id PositionID) (Position, bool) {
	p, ok := l.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// NextPositionID returns the id the next inserted position will receive.
func (l *Ledger) NextPositionID() PositionID {
	return l.nextPositionID
}

// PositionCount returns the number of open positions.
func (l *Ledger) PositionCount() int {
	return len(l.positions)
}

// InsertPosition assigns the next id to p and adds it to the store and both
// indices. The id counter only moves forward.
func (l *Ledger) InsertPosition(p Position) (PositionID, error) {
	if l.nextPositionID == math.MaxUint64 {
		return 0, fmt.Errorf("position id space exhausted: %w", ErrNumOutOfBound)
	}

	p.ID = l.nextPositionID
	l.nextPositionID++
	l.insert(&p)

	return p.ID, nil
}

func (l *Ledger) insert(p *Position) {
	l.positions[p.ID] = p

	pools := l.byTrader[p.Owner]
	if pools == nil {
		pools = make(map[PoolID][]PositionID)
		l.byTrader[p.Owner] = pools
	}
	pools[p.Pool] = append(pools[p.Pool], p.ID)

	pairs := l.byPool[p.Pool]
	if pairs == nil {
		pairs = make(map[TradingPair][]PositionID)
		l.byPool[p.Pool] = pairs
	}
	pairs[p.Pair] = append(pairs[p.Pair], p.ID)
}

// RemovePosition deletes the position from the store and both indices.
// Empty index buckets are dropped.
func (l *Ledger) RemovePosition(id PositionID) (Position, error) {
	p, ok := l.positions[id]
	if !ok {
		return Position{}, ErrPositionNotFound
	}

	delete(l.positions, id)

	pools := l.byTrader[p.Owner]
	pools[p.Pool] = removeID(pools[p.Pool], id)
	if len(pools[p.Pool]) == 0 {
		delete(pools, p.Pool)
	}
	if len(pools) == 0 {
		delete(l.byTrader, p.Owner)
	}

	pairs := l.byPool[p.Pool]
	pairs[p.Pair] = removeID(pairs[p.Pair], id)
	if len(pairs[p.Pair]) == 0 {
		delete(pairs, p.Pair)
	}
	if len(pairs) == 0 {
		delete(l.byPool, p.Pool)
	}

	return *p, nil
}

func removeID(ids []PositionID, id PositionID) []PositionID {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}

// TraderPositionIDs returns the trader's position ids across all pools in
// ascending order.
func (l *Ledger) TraderPositionIDs(trader TraderID) []PositionID {
	var ids []PositionID
	for _, bucket := range l.byTrader[trader] {
		ids = append(ids, bucket...)
	}
	slices.Sort(ids)
	return ids
}

// TraderPoolPositionIDs returns the trader's position ids in one pool.
func (l *Ledger) TraderPoolPositionIDs(trader TraderID, pool PoolID) []PositionID {
	return slices.Clone(l.byTrader[trader][pool])
}

// PoolPositionIDs returns the pool's position ids across all pairs in
// ascending order.
func (l *Ledger) PoolPositionIDs(pool PoolID) []PositionID {
	var ids []PositionID
	for _, bucket := range l.byPool[pool] {
		ids = append(ids, bucket...)
	}
	slices.Sort(ids)
	return ids
}

// PoolPairPositionIDs returns the pool's position ids for one pair.
func (l *Ledger) PoolPairPositionIDs(pool PoolID, pair TradingPair) []PositionID {
	return slices.Clone(l.byPool[pool][pair])
}

// TraderPositions resolves TraderPositionIDs to positions.
func (l *Ledger) TraderPositions(trader TraderID) []Position {
	return l.resolve(l.TraderPositionIDs(trader))
}

// PoolPositions resolves PoolPositionIDs to positions.
func (l *Ledger) PoolPositions(pool PoolID) []Position {
	return l.resolve(l.PoolPositionIDs(pool))
}

func (l *Ledger) resolve(ids []PositionID) []Position {
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.positions[id])
	}
	return out
}

// TraderPairs returns the distinct pairs the trader holds, ordered by id of
// the first position in each pair.
func (l *Ledger) TraderPairs(trader TraderID) []TradingPair {
	var pairs []TradingPair
	for _, id := range l.TraderPositionIDs(trader) {
		pair := l.positions[id].Pair
		if !slices.Contains(pairs, pair) {
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// === Balances ===

// Balance returns the trader's collateral balance; unknown traders hold zero.
func (l *Ledger) Balance(trader TraderID) fpmath.Fixed {
	return l.balances[trader]
}

// SetBalance stores a non-negative balance. Zero balances are not kept.
func (l *Ledger) SetBalance(trader TraderID, amount fpmath.Fixed) error {
	if amount.IsNegative() {
		return fmt.Errorf("negative balance %s for trader %s", amount, trader)
	}
	if amount.IsZero() {
		delete(l.balances, trader)
		return nil
	}
	l.balances[trader] = amount
	return nil
}

// Traders returns every trader with a balance or a position, sorted.
func (l *Ledger) Traders() []TraderID {
	seen := make(map[TraderID]struct{}, len(l.balances)+len(l.byTrader))
	for trader := range l.balances {
		seen[trader] = struct{}{}
	}
	for trader := range l.byTrader {
		seen[trader] = struct{}{}
	}
	out := make([]TraderID, 0, len(seen))
	for trader := range seen {
		out = append(out, trader)
	}
	slices.SortFunc(out, compareTraders)
	return out
}

func compareTraders(a, b TraderID) int {
	return bytes.Compare(a[:], b[:])
}

// === Safety flags ===

func (l *Ledger) TraderSafety(trader TraderID) SafetyState {
	if _, ok := l.marginCalledTraders[trader]; ok {
		return SafetyStateMarginCalled
	}
	return SafetyStateSafe
}

// SetTraderSafety moves the trader to next, refusing invalid transitions.
func (l *Ledger) SetTraderSafety(trader TraderID, next SafetyState) error {
	current := l.TraderSafety(trader)
	if !current.CanTransitionTo(next) {
		if current == SafetyStateMarginCalled {
			return ErrTraderMarginCalled
		}
		return ErrTraderNotMarginCalled
	}
	if next == SafetyStateMarginCalled {
		l.marginCalledTraders[trader] = struct{}{}
	} else {
		delete(l.marginCalledTraders, trader)
	}
	return nil
}

func (l *Ledger) PoolSafety(pool PoolID) SafetyState {
	if _, ok := l.marginCalledPools[pool]; ok {
		return SafetyStateMarginCalled
	}
	return SafetyStateSafe
}

// SetPoolSafety moves the pool to next, refusing invalid transitions.
func (l *Ledger) SetPoolSafety(pool PoolID, next SafetyState) error {
	current := l.PoolSafety(pool)
	if !current.CanTransitionTo(next) {
		if current == SafetyStateMarginCalled {
			return ErrPoolMarginCalled
		}
		return ErrPoolNotMarginCalled
	}
	if next == SafetyStateMarginCalled {
		l.marginCalledPools[pool] = struct{}{}
	} else {
		delete(l.marginCalledPools, pool)
	}
	return nil
}

// MarginCalledTraders returns the flagged traders, sorted.
func (l *Ledger) MarginCalledTraders() []TraderID {
	out := make([]TraderID, 0, len(l.marginCalledTraders))
	for trader := range l.marginCalledTraders {
		out = append(out, trader)
	}
	slices.SortFunc(out, compareTraders)
	return out
}

// MarginCalledPools returns the flagged pools, sorted.
func (l *Ledger) MarginCalledPools() []PoolID {
	out := make([]PoolID, 0, len(l.marginCalledPools))
	for pool := range l.marginCalledPools {
		out = append(out, pool)
	}
	slices.Sort(out)
	return out
}

// === Consistency ===

// CheckIndices verifies that both indices reference exactly the live
// positions, each once, in the right bucket.
func (l *Ledger) CheckIndices() error {
	seenTrader := make(map[PositionID]int, len(l.positions))
	for trader, pools := range l.byTrader {
		for pool, ids := range pools {
			if len(ids) == 0 {
				return fmt.Errorf("empty trader bucket %s/%d", trader, pool)
			}
			for _, id := range ids {
				p, ok := l.positions[id]
				if !ok {
					return fmt.Errorf("trader index references missing position %d", id)
				}
				if p.Owner != trader || p.Pool != pool {
					return fmt.Errorf("position %d indexed under wrong trader bucket", id)
				}
				seenTrader[id]++
			}
		}
	}

	seenPool := make(map[PositionID]int, len(l.positions))
	for pool, pairs := range l.byPool {
		for pair, ids := range pairs {
			if len(ids) == 0 {
				return fmt.Errorf("empty pool bucket %d/%s", pool, pair)
			}
			for _, id := range ids {
				p, ok := l.positions[id]
				if !ok {
					return fmt.Errorf("pool index references missing position %d", id)
				}
				if p.Pool != pool || p.Pair != pair {
					return fmt.Errorf("position %d indexed under wrong pool bucket", id)
				}
				seenPool[id]++
			}
		}
	}

	for id, p := range l.positions {
		if p.ID != id {
			return fmt.Errorf("position stored under id %d has id %d", id, p.ID)
		}
		if id >= l.nextPositionID {
			return fmt.Errorf("position %d not below next id %d", id, l.nextPositionID)
		}
		if seenTrader[id] != 1 || seenPool[id] != 1 {
			return fmt.Errorf("position %d indexed %d/%d times", id, seenTrader[id], seenPool[id])
		}
	}
	return nil
}

// === Snapshot ===

// BalanceEntry is one trader balance in a Snapshot.
type BalanceEntry struct {
	Trader  TraderID     `json:"trader"`
	Balance fpmath.Fixed `json:"balance"`
}

// Snapshot is the serializable form of a Ledger. Indices are rebuilt from
// the positions on restore.
type Snapshot struct {
	NextPositionID      PositionID     `json:"next_position_id"`
	Positions           []Position     `json:"positions"`
	Balances            []BalanceEntry `json:"balances"`
	MarginCalledTraders []TraderID     `json:"margin_called_traders"`
	MarginCalledPools   []PoolID       `json:"margin_called_pools"`
}

// Snapshot exports the ledger in deterministic order.
func (l *Ledger) Snapshot() *Snapshot {
	ids := make([]PositionID, 0, len(l.positions))
	for id := range l.positions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	s := &Snapshot{
		NextPositionID:      l.nextPositionID,
		Positions:           l.resolve(ids),
		MarginCalledTraders: l.MarginCalledTraders(),
		MarginCalledPools:   l.MarginCalledPools(),
	}
	for _, trader := range l.Traders() {
		if b, ok := l.balances[trader]; ok {
			s.Balances = append(s.Balances, BalanceEntry{Trader: trader, Balance: b})
		}
	}
	return s
}

// LedgerFromSnapshot rebuilds a ledger and its indices.
func LedgerFromSnapshot(s *Snapshot) (*Ledger, error) {
	l := NewLedger()
	l.nextPositionID = s.NextPositionID

	for i := range s.Positions {
		p := s.Positions[i]
		if _, dup := l.positions[p.ID]; dup {
			return nil, fmt.Errorf("duplicate position %d in snapshot", p.ID)
		}
		if p.ID >= s.NextPositionID {
			return nil, fmt.Errorf("position %d not below next id %d", p.ID, s.NextPositionID)
		}
		l.insert(&p)
	}
	for _, entry := range s.Balances {
		if err := l.SetBalance(entry.Trader, entry.Balance); err != nil {
			return nil, err
		}
	}
	for _, trader := range s.MarginCalledTraders {
		l.marginCalledTraders[trader] = struct{}{}
	}
	for _, pool := range s.MarginCalledPools {
		l.marginCalledPools[pool] = struct{}{}
	}
	return l, nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (l *Ledger) CanonicalBytes() []byte {
	s := l.Snapshot()
	buf := make([]byte, 0, 256*len(s.Positions)+64*len(s.Balances)+16)

	buf = appendUint64(buf, uint64(s.NextPositionID))
	for i := range s.Positions {
		buf = append(buf, s.Positions[i].CanonicalBytes()...)
	}
	for _, entry := range s.Balances {
		buf = append(buf, entry.Trader[:]...)
		buf = appendFixed(buf, entry.Balance)
	}
	for _, trader := range s.MarginCalledTraders {
		buf = append(buf, trader[:]...)
	}
	for _, pool := range s.MarginCalledPools {
		buf = appendUint64(buf, uint64(pool))
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
