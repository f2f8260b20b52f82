package ingestion

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"MarginLedger/internal/core"
	"MarginLedger/internal/observability"
	"MarginLedger/internal/state"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const outboundSubjectPrefix = "margin.ledger.events"

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers. Publishing is best effort: the event log stays authoritative.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound form of an applied command.
type PublishableEvent struct {
	Sequence       int64                 `json:"sequence"`
	EventType      string                `json:"event_type"`
	IdempotencyKey string                `json:"idempotency_key"`
	Pool           *state.PoolID         `json:"pool,omitempty"`
	Payload        jsoniter.RawMessage   `json:"payload"`
	Opened         *state.Position       `json:"opened,omitempty"`
	Closed         []ClosedPositionEvent `json:"closed,omitempty"`
	Safety         *SafetyEvent          `json:"safety,omitempty"`
	StateHash      string                `json:"state_hash"`
	Timestamp      time.Time             `json:"timestamp"`
}

// ClosedPositionEvent reports one settled position.
type ClosedPositionEvent struct {
	Position state.Position `json:"position"`
	Realized string         `json:"realized"`
	Settled  string         `json:"settled"`
}

// SafetyEvent reports a safety state transition.
type SafetyEvent struct {
	Trader *state.TraderID `json:"trader,omitempty"`
	Pool   *state.PoolID   `json:"pool,omitempty"`
	State  string          `json:"state"`
}

// NewPublishableEvent converts a core output for publishing.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        jsoniter.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}

	if pool, ok := out.Result.PoolOf(); ok {
		pe.Pool = &pool
	}
	if r := out.Result; r != nil {
		if r.Opened != nil {
			opened := *r.Opened
			pe.Opened = &opened
		}
		for _, c := range r.Closed {
			pe.Closed = append(pe.Closed, ClosedPositionEvent{
				Position: c.Position,
				Realized: c.Realized.String(),
				Settled:  c.Settled.String(),
			})
		}
		if r.Safety != nil {
			pe.Safety = &SafetyEvent{
				Trader: r.Safety.Trader,
				Pool:   r.Safety.Pool,
				State:  r.Safety.State.String(),
			}
		}
	}
	return pe
}

// Subject returns margin.ledger.events.{event_type}[.{pool}].
func (e PublishableEvent) Subject() string {
	subject := fmt.Sprintf("%s.%s", outboundSubjectPrefix, e.EventType)
	if e.Pool != nil {
		subject = fmt.Sprintf("%s.%d", subject, *e.Pool)
	}
	return subject
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("outbound-publisher"),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			evt := NewPublishableEvent(out)
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, evt.Subject(), data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MARGIN_LEDGER_EVENTS",
		Subjects:  []string{outboundSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("outbound-publisher")
	logger.Info().Str("stream", "MARGIN_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
