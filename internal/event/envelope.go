package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeClosePosition
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeTraderMarginCall
	EventTypeTraderBecomeSafe
	EventTypeTraderStopOut
	EventTypePoolMarginCall
	EventTypePoolBecomeSafe
	EventTypePoolStopOut
	EventTypePriceUpdate
	EventTypeSwapRateUpdate
	EventTypePoolLiquidityDeposit
	EventTypePoolLiquidityWithdraw
)

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}

var eventTypeNames = map[EventType]string{
	EventTypeOpenPosition:          "OpenPosition",
	EventTypeClosePosition:         "ClosePosition",
	EventTypeDeposit:               "Deposit",
	EventTypeWithdraw:              "Withdraw",
	EventTypeTraderMarginCall:      "TraderMarginCall",
	EventTypeTraderBecomeSafe:      "TraderBecomeSafe",
	EventTypeTraderStopOut:         "TraderStopOut",
	EventTypePoolMarginCall:        "PoolMarginCall",
	EventTypePoolBecomeSafe:        "PoolBecomeSafe",
	EventTypePoolStopOut:           "PoolStopOut",
	EventTypePriceUpdate:           "PriceUpdate",
	EventTypeSwapRateUpdate:        "SwapRateUpdate",
	EventTypePoolLiquidityDeposit:  "PoolLiquidityDeposit",
	EventTypePoolLiquidityWithdraw: "PoolLiquidityWithdraw",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}
