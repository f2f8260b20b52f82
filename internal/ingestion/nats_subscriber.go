package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"MarginLedger/internal/event"
	"MarginLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream command subjects and feeds raw
// commands to the shell loop, which parses them and hands them to the core.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is an undecoded command as received from NATS.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the command is parsed and queued
	NakFunc   func() // NAK to have JetStream redeliver
}

// SubjectConfig maps a subject filter to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// Matches reports whether subject falls under the config's filter.
func (c SubjectConfig) Matches(subject string) bool {
	prefix := strings.TrimSuffix(c.Subject, ">")
	if prefix == c.Subject {
		return subject == c.Subject
	}
	return strings.HasPrefix(subject, prefix)
}

const (
	streamPositions  = "MARGIN_POSITIONS"
	streamCollateral = "MARGIN_COLLATERAL"
	streamLiquidity  = "MARGIN_LIQUIDITY"
	streamSafety     = "MARGIN_SAFETY"
	streamMarket     = "MARGIN_MARKET"
)

var streamFilters = map[string]string{
	streamPositions:  "margin.positions.>",
	streamCollateral: "margin.collateral.>",
	streamLiquidity:  "margin.liquidity.>",
	streamSafety:     "margin.safety.>",
	streamMarket:     "margin.market.>",
}

// DefaultSubjects returns one subject per command type. Safety commands
// carry their kind in the subject only.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "margin.positions.open.>", EventType: event.EventTypeOpenPosition.String(), ConsumerName: "ledger-open", StreamName: streamPositions},
		{Subject: "margin.positions.close.>", EventType: event.EventTypeClosePosition.String(), ConsumerName: "ledger-close", StreamName: streamPositions},
		{Subject: "margin.collateral.deposit.>", EventType: event.EventTypeDeposit.String(), ConsumerName: "ledger-deposit", StreamName: streamCollateral},
		{Subject: "margin.collateral.withdraw.>", EventType: event.EventTypeWithdraw.String(), ConsumerName: "ledger-withdraw", StreamName: streamCollateral},
		{Subject: "margin.liquidity.deposit.>", EventType: event.EventTypePoolLiquidityDeposit.String(), ConsumerName: "ledger-liq-deposit", StreamName: streamLiquidity},
		{Subject: "margin.liquidity.withdraw.>", EventType: event.EventTypePoolLiquidityWithdraw.String(), ConsumerName: "ledger-liq-withdraw", StreamName: streamLiquidity},
		{Subject: "margin.safety.trader.margin_call.>", EventType: event.EventTypeTraderMarginCall.String(), ConsumerName: "ledger-trader-margin-call", StreamName: streamSafety},
		{Subject: "margin.safety.trader.become_safe.>", EventType: event.EventTypeTraderBecomeSafe.String(), ConsumerName: "ledger-trader-safe", StreamName: streamSafety},
		{Subject: "margin.safety.trader.stop_out.>", EventType: event.EventTypeTraderStopOut.String(), ConsumerName: "ledger-trader-stop-out", StreamName: streamSafety},
		{Subject: "margin.safety.pool.margin_call.>", EventType: event.EventTypePoolMarginCall.String(), ConsumerName: "ledger-pool-margin-call", StreamName: streamSafety},
		{Subject: "margin.safety.pool.become_safe.>", EventType: event.EventTypePoolBecomeSafe.String(), ConsumerName: "ledger-pool-safe", StreamName: streamSafety},
		{Subject: "margin.safety.pool.stop_out.>", EventType: event.EventTypePoolStopOut.String(), ConsumerName: "ledger-pool-stop-out", StreamName: streamSafety},
		{Subject: "margin.market.prices.>", EventType: event.EventTypePriceUpdate.String(), ConsumerName: "ledger-prices", StreamName: streamMarket},
		{Subject: "margin.market.swap_rates.>", EventType: event.EventTypeSwapRateUpdate.String(), ConsumerName: "ledger-swap-rates", StreamName: streamMarket},
	}
}

// ResolveEventType finds the command type for a concrete subject.
func ResolveEventType(subjects []SubjectConfig, subject string) (string, bool) {
	for _, cfg := range subjects {
		if cfg.Matches(subject) {
			return cfg.EventType, true
		}
	}
	return "", false
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates a durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerName := cfg.ConsumerName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			if ns.metrics != nil {
				if md, err := msg.Metadata(); err == nil {
					ns.metrics.NATSPullLatency.WithLabelValues(consumerName).Observe(time.Since(md.Timestamp).Seconds())
				}
			}
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("nats-subscriber")

	names := make([]string, 0, len(streamFilters))
	for name := range streamFilters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := jetstream.StreamConfig{
			Name:      name,
			Subjects:  []string{streamFilters[name]},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")

	nc, err := nats.Connect(url,
		nats.Name("marginledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
