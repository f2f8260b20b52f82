package math

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// FromDecimal converts d, truncating digits beyond Precision.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	return fromChecked(d.Shift(Precision).Truncate(0).BigInt())
}

// Parse reads a decimal string such as "3.03" or "-0.01".
func Parse(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Fixed{}, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) Fixed {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

// Decimal returns the exact decimal representation.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(f.bigRaw(), -Precision)
}

func (f Fixed) String() string {
	return f.Decimal().String()
}

// Float64 is lossy and only meant for metrics.
func (f Fixed) Float64() float64 {
	return f.Decimal().InexactFloat64()
}

// MarshalJSON encodes the value as a decimal string to keep full precision.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(f.String())), nil
}

// UnmarshalJSON accepts a quoted decimal string or a bare JSON number.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		*f = Fixed{}
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
