package ingestion

import (
	"errors"
	"fmt"

	"MarginLedger/internal/event"
	"MarginLedger/internal/state"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedCommand is returned for payloads that decode but miss a
// required field.
var ErrMalformedCommand = errors.New("malformed command")

// ParseRawEvent converts a RawEvent into a typed event.Event. eventType is
// the name from DefaultSubjects.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	et, ok := event.ParseEventType(eventType)
	if !ok {
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
	return DecodePayload(et, raw.Data)
}

// DecodePayload decodes a command body. The wire format is the same JSON the
// core writes to EventEnvelope.Payload, so it also serves log replay.
func DecodePayload(et event.EventType, data []byte) (event.Event, error) {
	evt, err := newEvent(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	if err := validate(evt); err != nil {
		return nil, fmt.Errorf("parse %s: %w", et, err)
	}
	return evt, nil
}

func newEvent(et event.EventType) (event.Event, error) {
	switch et {
	case event.EventTypeOpenPosition:
		return &event.OpenPosition{}, nil
	case event.EventTypeClosePosition:
		return &event.ClosePosition{}, nil
	case event.EventTypeDeposit:
		return &event.Deposit{}, nil
	case event.EventTypeWithdraw:
		return &event.Withdraw{}, nil
	case event.EventTypePoolLiquidityDeposit:
		return &event.PoolLiquidityDeposit{}, nil
	case event.EventTypePoolLiquidityWithdraw:
		return &event.PoolLiquidityWithdraw{}, nil
	case event.EventTypeTraderMarginCall, event.EventTypeTraderBecomeSafe, event.EventTypeTraderStopOut:
		return &event.TraderSafetyCommand{Kind: et}, nil
	case event.EventTypePoolMarginCall, event.EventTypePoolBecomeSafe, event.EventTypePoolStopOut:
		return &event.PoolSafetyCommand{Kind: et}, nil
	case event.EventTypePriceUpdate:
		return &event.PriceUpdate{}, nil
	case event.EventTypeSwapRateUpdate:
		return &event.SwapRateUpdate{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// validate checks presence only. Amounts, leverage and prices are the
// core's to judge so that rejections are counted in one place.
func validate(evt event.Event) error {
	if evt.IdempotencyKey() == uuid.Nil.String() {
		return fmt.Errorf("%w: missing command_id", ErrMalformedCommand)
	}
	if evt.EventTime().IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedCommand)
	}

	switch e := evt.(type) {
	case *event.OpenPosition:
		if err := requireTrader(e.Trader); err != nil {
			return err
		}
		return requirePair(e.Pair)
	case *event.ClosePosition:
		return requireTrader(e.Trader)
	case *event.Deposit:
		return requireTrader(e.Trader)
	case *event.Withdraw:
		return requireTrader(e.Trader)
	case *event.TraderSafetyCommand:
		return requireTrader(e.Trader)
	case *event.PriceUpdate:
		if e.Currency == "" {
			return fmt.Errorf("%w: missing currency", ErrMalformedCommand)
		}
	case *event.SwapRateUpdate:
		return requirePair(e.Pair)
	}
	return nil
}

func requireTrader(id state.TraderID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: missing trader", ErrMalformedCommand)
	}
	return nil
}

func requirePair(p state.TradingPair) error {
	if p.Base == "" || p.Quote == "" {
		return fmt.Errorf("%w: missing pair", ErrMalformedCommand)
	}
	return nil
}
