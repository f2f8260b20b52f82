package core_test

import (
	"testing"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	"MarginLedger/internal/market"
	fpmath "MarginLedger/internal/math"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/risk"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newMarket(t *testing.T) (*market.Oracle, *market.Registry) {
	t.Helper()
	oracle := market.NewOracle()
	registry := market.NewRegistry()
	require.NoError(t, oracle.SetPrice("FEUR", fpmath.FromInt(3)))
	require.NoError(t, registry.AddPool(market.PoolConfig{
		ID:         0,
		Liquidity:  fpmath.FromInt(10000),
		AskSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
		BidSpreads: map[state.Currency]fpmath.Fixed{"FEUR": fpmath.MustParse("0.01")},
	}))
	require.NoError(t, registry.SetTraderThreshold(eurUSD, state.RiskThreshold{
		MarginCall: fpmath.MustParse("0.03"),
		StopOut:    fpmath.MustParse("0.01"),
	}))
	return oracle, registry
}

// newTestProcessor creates a Processor with buffered channels and no DB checker.
func newTestProcessor(t *testing.T, metrics *observability.Metrics) (*core.Processor, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	oracle, registry := newMarket(t)
	persistChan := make(chan core.CoreOutput, 1024)
	publishChan := make(chan core.CoreOutput, 1024)
	p, err := core.NewProcessor(core.ProcessorConfig{IdempotencyLRUCapacity: 1024}, oracle, registry, persistChan, publishChan, nil, metrics)
	require.NoError(t, err)
	return p, persistChan, publishChan
}

var clock = time.UnixMicro(1_700_000_000_000_000)

func commandID(n int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(n >> 8), byte(n)})
}

func deposit(n int, trader state.TraderID, amount string) *event.Deposit {
	return &event.Deposit{
		CommandID: commandID(n),
		Trader:    trader,
		Amount:    fpmath.MustParse(amount),
		Timestamp: clock.Add(time.Duration(n) * time.Second),
	}
}

func openLong(n int, trader state.TraderID, amount int64) *event.OpenPosition {
	return &event.OpenPosition{
		CommandID:       commandID(n),
		Trader:          trader,
		Pool:            0,
		Pair:            eurUSD,
		Leverage:        long10,
		LeveragedAmount: fpmath.FromInt(amount),
		Timestamp:       clock.Add(time.Duration(n) * time.Second),
	}
}

func closePos(n int, trader state.TraderID, id state.PositionID) *event.ClosePosition {
	return &event.ClosePosition{
		CommandID:  commandID(n),
		Trader:     trader,
		PositionID: id,
		Timestamp:  clock.Add(time.Duration(n) * time.Second),
	}
}

func price(n int, p string) *event.PriceUpdate {
	return &event.PriceUpdate{
		CommandID: commandID(n),
		Currency:  "FEUR",
		Price:     fpmath.MustParse(p),
		Timestamp: clock.Add(time.Duration(n) * time.Second),
	}
}

func traderSafety(n int, kind event.EventType, trader state.TraderID) *event.TraderSafetyCommand {
	return &event.TraderSafetyCommand{
		CommandID: commandID(n),
		Kind:      kind,
		Trader:    trader,
		Timestamp: clock.Add(time.Duration(n) * time.Second),
	}
}

// scenario runs deposit, open, a price drop, margin call and stop-out.
func scenario() []event.Event {
	return []event.Event{
		deposit(1, alice, "5000"),
		openLong(2, alice, 5000),
		price(3, "2.1"),
		traderSafety(4, event.EventTypeTraderMarginCall, alice),
		price(5, "2"),
		traderSafety(6, event.EventTypeTraderStopOut, alice),
	}
}

func applyAll(t *testing.T, p *core.Processor, events []event.Event) []*core.CoreOutput {
	t.Helper()
	outs := make([]*core.CoreOutput, 0, len(events))
	for _, evt := range events {
		out, err := p.ProcessEvent(evt)
		require.NoError(t, err, "%s", evt.EventType())
		require.NotNil(t, out)
		outs = append(outs, out)
	}
	return outs
}

// ============================================================================
// Pipeline
// ============================================================================

func TestProcessor_Scenario(t *testing.T) {
	p, persistChan, publishChan := newTestProcessor(t, nil)

	outs := applyAll(t, p, scenario())

	for i, out := range outs {
		assert.Equal(t, int64(i), out.Envelope.Sequence)
	}
	assert.Equal(t, int64(len(outs)), p.GetSequence())
	assert.Len(t, persistChan, len(outs))
	assert.Len(t, publishChan, len(outs))

	stopOut := outs[len(outs)-1]
	require.Len(t, stopOut.Batch.Journals, 1)
	j := stopOut.Batch.Journals[0]
	assert.Equal(t, ledger.PoolAccount(0), j.DebitAccount)
	assert.Equal(t, ledger.TraderAccount(alice), j.CreditAccount)
	assert.Equal(t, "5000", j.Amount.String())
	assert.Equal(t, ledger.JournalTypeStopOutSettlement, j.JournalType)

	assert.Equal(t, "0", p.JournalBalance(ledger.TraderAccount(alice)).String())
	assert.Equal(t, "15000", p.JournalBalance(ledger.PoolAccount(0)).String())
	assert.Equal(t, "15000", p.Registry().Liquidity(0).String())

	require.NoError(t, p.Read(func(l *state.Ledger, _ *risk.Engine) error {
		assert.Zero(t, l.PositionCount())
		assert.True(t, l.Balance(alice).IsZero())
		return nil
	}))
}

func TestProcessor_HashChain(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)
	outs := applyAll(t, p, scenario())

	genesis := core.NewStateHasher().GetPrevHash()
	assert.Equal(t, genesis, outs[0].Envelope.PrevHash)
	for i := 1; i < len(outs); i++ {
		assert.Equal(t, outs[i-1].Envelope.StateHash, outs[i].Envelope.PrevHash)
	}
	assert.Equal(t, outs[len(outs)-1].Envelope.StateHash, p.GetStateHash())
}

func TestProcessor_Deterministic(t *testing.T) {
	a, _, _ := newTestProcessor(t, nil)
	b, _, _ := newTestProcessor(t, nil)

	applyAll(t, a, scenario())
	applyAll(t, b, scenario())

	assert.Equal(t, a.GetStateHash(), b.GetStateHash())
}

func TestProcessor_Duplicate(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, persistChan, _ := newTestProcessor(t, metrics)

	evt := deposit(1, alice, "100")
	_, err := p.ProcessEvent(evt)
	require.NoError(t, err)

	out, err := p.ProcessEvent(evt)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, int64(1), p.GetSequence())
	assert.Len(t, persistChan, 1)
	assert.Equal(t, "100", p.JournalBalance(ledger.TraderAccount(alice)).String())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues("Deposit", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.IdempotencyDuplicates.WithLabelValues("Deposit", "lru")))
}

func TestProcessor_RejectedCommand(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, persistChan, _ := newTestProcessor(t, metrics)
	applyAll(t, p, []event.Event{deposit(1, alice, "100")})
	hash := p.GetStateHash()

	_, err := p.ProcessEvent(closePos(2, alice, 42))
	assert.ErrorIs(t, err, state.ErrPositionNotFound)

	assert.Equal(t, int64(1), p.GetSequence())
	assert.Equal(t, hash, p.GetStateHash())
	assert.Len(t, persistChan, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues("ClosePosition", "position_not_found")))

	// A rejected command is not remembered, so it may be retried.
	applyAll(t, p, []event.Event{openLong(3, alice, 100)})
	_, err = p.ProcessEvent(closePos(2, alice, 0))
	require.NoError(t, err)
}

func TestProcessor_RejectsTransfersTheBooksCannotHold(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, persistChan, _ := newTestProcessor(t, metrics)
	applyAll(t, p, []event.Event{deposit(1, alice, fpmath.Max().String())})
	hash := p.GetStateHash()

	// external:trader_deposits already holds -Max.
	for i := 2; i <= 4; i++ {
		var err error
		require.NotPanics(t, func() {
			_, err = p.ProcessEvent(deposit(i, bob, "1"))
		})
		assert.ErrorIs(t, err, state.ErrNumOutOfBound)
	}

	assert.Equal(t, int64(1), p.GetSequence())
	assert.Equal(t, hash, p.GetStateHash())
	assert.Len(t, persistChan, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CoreCommandsRejected.WithLabelValues("Deposit", "num_out_of_bound")))
	assert.True(t, p.JournalBalance(ledger.TraderAccount(bob)).IsZero())
	require.NoError(t, p.Read(func(l *state.Ledger, _ *risk.Engine) error {
		assert.True(t, l.Balance(bob).IsZero())
		assert.True(t, l.Balance(alice).Equal(fpmath.Max()))
		return nil
	}))

	// Commands that fit still apply.
	applyAll(t, p, []event.Event{&event.Withdraw{
		CommandID: commandID(5),
		Trader:    alice,
		Amount:    fpmath.One(),
		Timestamp: clock.Add(5 * time.Second),
	}})
	assert.Equal(t, int64(2), p.GetSequence())
}

func TestProcessor_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	p, _, _ := newTestProcessor(t, metrics)
	applyAll(t, p, scenario())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PositionsOpened.WithLabelValues("FEUR/AUSD", "long")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PositionsClosed.WithLabelValues("FEUR/AUSD", "stop_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MarginCalls.WithLabelValues("trader")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StopOuts.WithLabelValues("trader")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.OpenPositions))
	assert.Equal(t, 15000.0, testutil.ToFloat64(metrics.PoolLiquidity.WithLabelValues("0")))
	assert.Equal(t, 6.0, testutil.ToFloat64(metrics.CoreSequence))
}

func TestProcessor_PayloadRoundTrip(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)
	outs := applyAll(t, p, []event.Event{deposit(1, alice, "12.5")})

	assert.JSONEq(t, `{
		"command_id": "`+commandID(1).String()+`",
		"trader": "`+alice.String()+`",
		"amount": "12.5",
		"timestamp": "`+clock.Add(time.Second).Format(time.RFC3339Nano)+`"
	}`, string(outs[0].Envelope.Payload))
}

// ============================================================================
// Snapshot and replay
// ============================================================================

func TestProcessor_SnapshotRestoreReplay(t *testing.T) {
	events := scenario()

	source, _, _ := newTestProcessor(t, nil)
	outs := applyAll(t, source, events[:3])
	snap := source.CreateSnapshotState()
	assert.Equal(t, int64(2), snap.Sequence)
	rest := applyAll(t, source, events[3:])
	outs = append(outs, rest...)

	restored, persistChan, _ := newTestProcessor(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(snap))
	assert.Equal(t, int64(3), restored.GetSequence())
	assert.Equal(t, snap.StateHash, restored.GetStateHash())

	for i := 3; i < len(events); i++ {
		env := outs[i].Envelope
		require.NoError(t, restored.Replay(events[i], env.Sequence, env.StateHash))
	}
	assert.Equal(t, source.GetStateHash(), restored.GetStateHash())
	assert.Empty(t, persistChan, "replay does not re-emit")

	// Commands seen before the snapshot are still deduplicated.
	out, err := restored.ProcessEvent(events[0])
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestProcessor_ReplayDetectsDivergence(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)

	err := p.Replay(deposit(1, alice, "100"), 0, [32]byte{1})
	assert.ErrorIs(t, err, core.ErrHashMismatch)

	err = p.Replay(deposit(2, alice, "100"), 5, [32]byte{})
	assert.Error(t, err)
}

func TestProcessor_SeedsPoolLiquidity(t *testing.T) {
	p, _, _ := newTestProcessor(t, nil)

	assert.Equal(t, "10000", p.JournalBalance(ledger.PoolAccount(0)).String())
	assert.Equal(t, "-10000", p.JournalBalance(ledger.ExternalAccount(ledger.ExternalPoolDeposits)).String())
}
