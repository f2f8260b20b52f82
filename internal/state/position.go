package state

import (
	"encoding/binary"

	fpmath "MarginLedger/internal/math"
)

// Position is an open leveraged position. Every field is fixed at open;
// a position is only ever inserted or removed, never updated.
type Position struct {
	ID       PositionID  `json:"id"`
	Owner    TraderID    `json:"owner"`
	Pool     PoolID      `json:"pool"`
	Pair     TradingPair `json:"pair"`
	Leverage Leverage    `json:"leverage"`

	// Base units, positive for longs and negative for shorts.
	LeveragedHeld fpmath.Fixed `json:"leveraged_held"`
	// Quote units, opposite sign of LeveragedHeld.
	LeveragedDebit fpmath.Fixed `json:"leveraged_debit"`
	// USD value of the debit leg at open, signed like LeveragedHeld.
	LeveragedHeldInUSD fpmath.Fixed `json:"leveraged_held_in_usd"`

	OpenAccumulatedSwapRate fpmath.Fixed `json:"open_accumulated_swap_rate"`
	OpenMargin              fpmath.Fixed `json:"open_margin"`
}

func (p *Position) IsLong() bool {
	return p.LeveragedHeld.IsPositive()
}

// OpenPrice returns |debit / held|, the executed price in quote per base.
func (p *Position) OpenPrice() (fpmath.Fixed, error) {
	price, err := p.LeveragedDebit.Div(p.LeveragedHeld)
	if err != nil {
		return fpmath.Fixed{}, err
	}
	return price.Abs()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(p.ID))
	buf = append(buf, p.Owner[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Pool))
	buf = appendString(buf, string(p.Pair.Base))
	buf = appendString(buf, string(p.Pair.Quote))
	buf = append(buf, byte(p.Leverage.Side), p.Leverage.Multiple)

	buf = appendFixed(buf, p.LeveragedHeld)
	buf = appendFixed(buf, p.LeveragedDebit)
	buf = appendFixed(buf, p.LeveragedHeldInUSD)
	buf = appendFixed(buf, p.OpenAccumulatedSwapRate)
	buf = appendFixed(buf, p.OpenMargin)

	return buf
}

// appendString writes a length-prefixed string.
func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// appendFixed writes sign, length and big-endian magnitude of the raw value.
func appendFixed(buf []byte, f fpmath.Fixed) []byte {
	raw := f.Raw()
	buf = append(buf, byte(raw.Sign()+1))
	mag := raw.Bytes()
	buf = append(buf, byte(len(mag)))
	return append(buf, mag...)
}
