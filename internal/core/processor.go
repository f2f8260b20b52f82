package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/market"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrHashMismatch is returned by Replay when a re-applied command does not
// reproduce the logged state hash.
var ErrHashMismatch = errors.New("state hash mismatch")

// CoreOutput is everything one applied command produced.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Result   *Result
}

// ProcessorConfig tunes a Processor.
type ProcessorConfig struct {
	StartSequence          int64
	IdempotencyLRUCapacity int
	PoolBreachRule         PoolBreachRule
}

// Processor is the single writer over the margin ledger. It applies one
// command at a time under its lock, journals the balance movements, chains
// a state hash and hands the result to the persistence and publish
// channels. Readers share the lock through Read.
type Processor struct {
	mu sync.RWMutex

	sequence    int64
	hasher      *StateHasher
	ledger      *state.Ledger
	protocol    *Protocol
	oracle      *market.Oracle
	registry    *market.Registry
	tracker     *ledger.BalanceTracker
	validator   *ledger.InvariantValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// NewProcessor wires a processor over an oracle and a bootstrapped pool
// registry. Opening pool liquidity is booked against the pool deposits
// account so the journals stay zero-sum. Either channel may be nil.
func NewProcessor(
	cfg ProcessorConfig,
	oracle *market.Oracle,
	registry *market.Registry,
	persistChan, publishChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*Processor, error) {
	capacity := cfg.IdempotencyLRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	tracker := ledger.NewBalanceTracker()
	for _, pool := range registry.Pools() {
		if err := tracker.Seed(ledger.PoolAccount(pool.ID), pool.Liquidity, ledger.ExternalAccount(ledger.ExternalPoolDeposits)); err != nil {
			return nil, fmt.Errorf("seed pool %d: %w", pool.ID, err)
		}
	}

	p := &Processor{
		sequence:    cfg.StartSequence,
		hasher:      NewStateHasher(),
		ledger:      state.NewLedger(),
		protocol:    NewProtocol(oracle, registry, cfg.PoolBreachRule),
		oracle:      oracle,
		registry:    registry,
		tracker:     tracker,
		validator:   ledger.NewInvariantValidator(tracker),
		idempotency: NewIdempotencyChecker(capacity, dbChecker, metrics),
		metrics:     metrics,
		logger:      observability.NewLogger("core"),
		persistChan: persistChan,
		publishChan: publishChan,
	}
	// The journal books must be able to follow every committed change.
	p.protocol.SetTransferCheck(func(transfers []ledger.Transfer) error {
		return p.tracker.CheckTransfers(transfers)
	})
	p.reportState()
	return p, nil
}

// ProcessEvent applies one command. A duplicate returns (nil, nil). A
// command that fails its preconditions returns the error and changes
// nothing, not even the sequence.
func (p *Processor) ProcessEvent(evt event.Event) (*CoreOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out, err := p.apply(evt, true)
	if err != nil || out == nil {
		return out, err
	}
	p.emit(*out)
	return out, nil
}

// Replay re-applies a logged command without emitting it and checks that
// it lands on the logged sequence and state hash. The command is already in
// the dedup store, so the duplicate check is skipped.
func (p *Processor) Replay(evt event.Event, sequence int64, stateHash [32]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sequence != p.sequence {
		return fmt.Errorf("replay sequence %d, expected %d", sequence, p.sequence)
	}
	out, err := p.apply(evt, false)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", sequence, err)
	}
	if out.Envelope.StateHash != stateHash {
		return fmt.Errorf("replay seq=%d: got %x, logged %x: %w", sequence, out.Envelope.StateHash, stateHash, ErrHashMismatch)
	}
	if p.metrics != nil {
		p.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (p *Processor) apply(evt event.Event, dedup bool) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if dedup && p.idempotency.IsDuplicate(eventType, idempotencyKey) {
		if p.metrics != nil {
			p.metrics.CoreCommandsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil, nil
	}

	// Step 2: Dispatch against the ledger
	result, marketDigest, err := p.dispatch(evt)
	if err != nil {
		kind := state.ErrorKind(err)
		if p.metrics != nil {
			p.metrics.CoreCommandsRejected.WithLabelValues(eventType, kind).Inc()
		}
		p.logger.Debug().
			Str("command", eventType).
			Str("key", idempotencyKey).
			Str("reason", kind).
			Err(err).
			Msg("command rejected")
		return nil, fmt.Errorf("%s %s: %w", eventType, idempotencyKey, err)
	}

	// Step 3: Journal the transfers
	timestamp := evt.EventTime().UnixMicro()
	batch := ledger.NewBatch(idempotencyKey, p.sequence, timestamp, result.Transfers)
	if len(batch.Journals) > 0 {
		if err := p.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch: %v", err))
		}
		// The ledger has already committed; the books must follow.
		if err := p.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch: %v", err))
		}
	}

	// Step 4: Post-checks
	if err := p.postCheckInvariants(batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: State hash
	hashStart := time.Now()
	digest := p.computeStateDigest(batch, result, marketDigest)
	prevHash := p.hasher.GetPrevHash()
	stateHash := p.hasher.Advance(p.sequence, evt.EventType(), digest)
	if p.metrics != nil {
		p.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode applied command: %v", err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       p.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Timestamp:      evt.EventTime(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	p.sequence++

	// Step 6: Mark as processed (add to LRU)
	p.idempotency.MarkProcessed(eventType, idempotencyKey)

	p.record(eventType, batch, result, time.Since(start))

	return &CoreOutput{
		Envelope: envelope,
		Batch:    batch,
		Result:   result,
	}, nil
}

// emit hands an output to the workers. Persistence is a blocking send so no
// applied command is lost; publishing drops when the channel is full.
func (p *Processor) emit(out CoreOutput) {
	if p.persistChan != nil {
		select {
		case p.persistChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- out
		}
	}

	if p.publishChan != nil {
		select {
		case p.publishChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PublishDrops.Inc()
			}
		}
	}
}

// dispatch routes a command to the protocol. The returned digest carries the
// effect of market updates, which produce no journals.
func (p *Processor) dispatch(evt event.Event) (*Result, []byte, error) {
	l := p.ledger

	switch e := evt.(type) {
	case *event.OpenPosition:
		r, err := p.protocol.OpenPosition(l, e.Trader, e.Pool, e.Pair, e.Leverage, e.LeveragedAmount, e.PriceLimit)
		return r, nil, err
	case *event.ClosePosition:
		r, err := p.protocol.ClosePosition(l, e.Trader, e.PositionID, e.PriceLimit)
		return r, nil, err
	case *event.Deposit:
		r, err := p.protocol.Deposit(l, e.Trader, e.Amount)
		return r, nil, err
	case *event.Withdraw:
		r, err := p.protocol.Withdraw(l, e.Trader, e.Amount)
		return r, nil, err
	case *event.PoolLiquidityDeposit:
		r, err := p.protocol.DepositLiquidity(l, e.Pool, e.Amount)
		return r, nil, err
	case *event.PoolLiquidityWithdraw:
		r, err := p.protocol.WithdrawLiquidity(l, e.Pool, e.Amount)
		return r, nil, err
	case *event.TraderSafetyCommand:
		r, err := p.dispatchTraderSafety(e)
		return r, nil, err
	case *event.PoolSafetyCommand:
		r, err := p.dispatchPoolSafety(e)
		return r, nil, err
	case *event.PriceUpdate:
		if err := p.oracle.SetPrice(e.Currency, e.Price); err != nil {
			return nil, nil, err
		}
		digest := fmt.Appendf(nil, "price:%s:%s", e.Currency, e.Price)
		return &Result{}, digest, nil
	case *event.SwapRateUpdate:
		rate, err := p.registry.AccumulateSwapRate(e.Pool, e.Pair, e.Delta)
		if err != nil {
			return nil, nil, err
		}
		digest := fmt.Appendf(nil, "swap:%d:%s:%s", e.Pool, e.Pair, rate)
		return &Result{}, digest, nil
	default:
		return nil, nil, fmt.Errorf("unknown command type: %T", evt)
	}
}

func (p *Processor) dispatchTraderSafety(e *event.TraderSafetyCommand) (*Result, error) {
	switch e.Kind {
	case event.EventTypeTraderMarginCall:
		return p.protocol.TraderMarginCall(p.ledger, e.Trader)
	case event.EventTypeTraderBecomeSafe:
		return p.protocol.TraderBecomeSafe(p.ledger, e.Trader)
	case event.EventTypeTraderStopOut:
		return p.protocol.TraderStopOut(p.ledger, e.Trader)
	default:
		return nil, fmt.Errorf("trader safety command with kind %s", e.Kind)
	}
}

func (p *Processor) dispatchPoolSafety(e *event.PoolSafetyCommand) (*Result, error) {
	switch e.Kind {
	case event.EventTypePoolMarginCall:
		return p.protocol.PoolMarginCall(p.ledger, e.Pool)
	case event.EventTypePoolBecomeSafe:
		return p.protocol.PoolBecomeSafe(p.ledger, e.Pool)
	case event.EventTypePoolStopOut:
		return p.protocol.PoolStopOut(p.ledger, e.Pool)
	default:
		return nil, fmt.Errorf("pool safety command with kind %s", e.Kind)
	}
}

// postCheckInvariants checks the books after a batch: zero-sum overall, no
// internal account negative, and every touched trader balance and pool
// liquidity equal to what the protocol holds.
func (p *Processor) postCheckInvariants(batch *ledger.Batch) error {
	if err := p.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := p.validator.ValidateInternalNonNegative(); err != nil {
		return err
	}
	for _, key := range touchedAccounts(batch) {
		switch key.Scope {
		case ledger.AccountScopeTrader:
			if err := p.validator.ValidateTraderBalance(key.EntityID, p.ledger.Balance(key.EntityID)); err != nil {
				return err
			}
		case ledger.AccountScopePool:
			pool, err := poolFromAccount(key)
			if err != nil {
				return err
			}
			if err := p.validator.ValidatePoolLiquidity(pool, p.registry.Liquidity(pool)); err != nil {
				return err
			}
		}
	}
	return nil
}

func poolFromAccount(key ledger.AccountKey) (state.PoolID, error) {
	var id uint32
	if _, err := fmt.Sscanf(key.Name, "%d", &id); err != nil {
		return 0, fmt.Errorf("pool account %q: %w", key.Name, err)
	}
	return state.PoolID(id), nil
}

// touchedAccounts lists the accounts of a batch ordered by path.
func touchedAccounts(batch *ledger.Batch) []ledger.AccountKey {
	seen := make(map[ledger.AccountKey]bool)
	accounts := make([]ledger.AccountKey, 0, 2*len(batch.Journals))
	for _, j := range batch.Journals {
		for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
			if !seen[key] {
				seen[key] = true
				accounts = append(accounts, key)
			}
		}
	}
	slices.SortFunc(accounts, func(a, b ledger.AccountKey) int {
		return strings.Compare(a.AccountPath(), b.AccountPath())
	})
	return accounts
}

func (p *Processor) record(eventType string, batch *ledger.Batch, result *Result, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	m := p.metrics

	m.CoreCommandsApplied.WithLabelValues(eventType).Inc()
	m.CoreCommandDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())

	for _, j := range batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	if o := result.Opened; o != nil {
		m.PositionsOpened.WithLabelValues(o.Pair.String(), o.Leverage.Side.String()).Inc()
	}
	stopOut := strings.HasSuffix(eventType, "StopOut")
	reason := "close"
	if stopOut {
		reason = "stop_out"
	}
	for _, c := range result.Closed {
		m.PositionsClosed.WithLabelValues(c.Position.Pair.String(), reason).Inc()
	}
	if s := result.Safety; s != nil {
		subject := "trader"
		if s.Pool != nil {
			subject = "pool"
		}
		switch {
		case s.State == state.SafetyStateMarginCalled:
			m.MarginCalls.WithLabelValues(subject).Inc()
		case stopOut:
			m.StopOuts.WithLabelValues(subject).Inc()
		default:
			m.BecameSafe.WithLabelValues(subject).Inc()
		}
	}
	p.reportState()
}

// reportState refreshes the gauges that mirror ledger state.
func (p *Processor) reportState() {
	if p.metrics == nil {
		return
	}
	m := p.metrics
	m.CoreSequence.Set(float64(p.sequence))
	m.OpenPositions.Set(float64(p.ledger.PositionCount()))
	m.MarginCalledTotal.WithLabelValues("trader").Set(float64(len(p.ledger.MarginCalledTraders())))
	m.MarginCalledTotal.WithLabelValues("pool").Set(float64(len(p.ledger.MarginCalledPools())))
	for _, pool := range p.registry.PoolIDs() {
		m.PoolLiquidity.WithLabelValues(fmt.Sprintf("%d", pool)).Set(p.registry.Liquidity(pool).Float64())
	}
}

// === Reads ===

// Read runs fn under the read lock with the live ledger and a risk engine
// over the committed pool state. fn must not retain or mutate the ledger.
func (p *Processor) Read(fn func(l *state.Ledger, engine *risk.Engine) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fn(p.ledger, p.protocol.Engine())
}

// Registry returns the pool registry the processor settles into.
func (p *Processor) Registry() *market.Registry {
	return p.registry
}

// Oracle returns the processor's price oracle.
func (p *Processor) Oracle() *market.Oracle {
	return p.oracle
}

// GetSequence returns the next sequence the processor will assign.
func (p *Processor) GetSequence() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (p *Processor) GetStateHash() [32]byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hasher.GetPrevHash()
}

// JournalBalance returns the journaled balance of an account.
func (p *Processor) JournalBalance(key ledger.AccountKey) fpmath.Fixed {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracker.GetBalance(key)
}
