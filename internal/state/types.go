package state

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TraderID is the stable identity of a trader, resolved by the host before
// any ledger call.
type TraderID = uuid.UUID

// PoolID identifies a liquidity pool.
type PoolID uint32

// PositionID is allocated from a strictly increasing ledger counter.
type PositionID uint64

// Currency is a currency code such as "FEUR".
type Currency string

// AUSD is the USD-pegged currency every value is reported in.
const AUSD Currency = "AUSD"

// TradingPair is a (base, quote) currency pair. Positions hold the base
// currency and owe the quote currency.
type TradingPair struct {
	Base  Currency `json:"base"`
	Quote Currency `json:"quote"`
}

func (p TradingPair) String() string {
	return string(p.Base) + "/" + string(p.Quote)
}

// ParseTradingPair reads the "BASE/QUOTE" form produced by String.
func ParseTradingPair(s string) (TradingPair, error) {
	base, quote, ok := strings.Cut(s, "/")
	if !ok || base == "" || quote == "" {
		return TradingPair{}, fmt.Errorf("invalid trading pair %q", s)
	}
	return TradingPair{Base: Currency(base), Quote: Currency(quote)}, nil
}

// Side is the direction of a leveraged position.
type Side int32

const (
	SideLong Side = iota + 1
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide accepts "long" or "short".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "long":
		return SideLong, nil
	case "short":
		return SideShort, nil
	default:
		return 0, fmt.Errorf("%w: side %q", ErrInvalidLeverage, s)
	}
}

const (
	MinLeverageMultiple = 2
	MaxLeverageMultiple = 100
)

// Leverage describes the direction and multiple of a position.
type Leverage struct {
	Side     Side  `json:"side"`
	Multiple uint8 `json:"multiple"`
}

func (l Leverage) Validate() error {
	if l.Side != SideLong && l.Side != SideShort {
		return fmt.Errorf("%w: side %d", ErrInvalidLeverage, l.Side)
	}
	if l.Multiple < MinLeverageMultiple || l.Multiple > MaxLeverageMultiple {
		return fmt.Errorf("%w: multiple %d", ErrInvalidLeverage, l.Multiple)
	}
	return nil
}

func (l Leverage) IsLong() bool {
	return l.Side == SideLong
}

func (l Leverage) String() string {
	return fmt.Sprintf("%s x%d", l.Side, l.Multiple)
}
