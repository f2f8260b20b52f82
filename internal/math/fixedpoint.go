package math

import (
	"errors"
	"math/big"
	"sync"
)

// Precision is the number of decimal places carried by Fixed.
const Precision = 18

// ErrOutOfBound is returned by every checked operation whose result leaves
// the signed 128-bit raw range, and by division by zero.
var ErrOutOfBound = errors.New("number out of bound")

var (
	accuracy = new(big.Int).Exp(big.NewInt(10), big.NewInt(Precision), nil)
	maxRaw   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minRaw   = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Fixed is a signed fixed-point number with 18 decimal places.
// Values are immutable; the zero value is 0.
type Fixed struct {
	raw *big.Int
}

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

func (f Fixed) bigRaw() *big.Int {
	if f.raw == nil {
		return new(big.Int)
	}
	return f.raw
}

func inRange(v *big.Int) bool {
	return v.Cmp(minRaw) >= 0 && v.Cmp(maxRaw) <= 0
}

// fromChecked copies v into a new Fixed if it is within range.
func fromChecked(v *big.Int) (Fixed, error) {
	if !inRange(v) {
		return Fixed{}, ErrOutOfBound
	}
	return Fixed{raw: new(big.Int).Set(v)}, nil
}

// fromSaturated copies v into a new Fixed, clamping to the representable range.
func fromSaturated(v *big.Int) Fixed {
	switch {
	case v.Cmp(maxRaw) > 0:
		return Max()
	case v.Cmp(minRaw) < 0:
		return Min()
	default:
		return Fixed{raw: new(big.Int).Set(v)}
	}
}

func Zero() Fixed { return Fixed{} }

func One() Fixed { return Fixed{raw: new(big.Int).Set(accuracy)} }

// Max returns the largest representable value. It doubles as the
// "no exposure" sentinel for solvency ratios.
func Max() Fixed { return Fixed{raw: new(big.Int).Set(maxRaw)} }

// Min returns the smallest representable value.
func Min() Fixed { return Fixed{raw: new(big.Int).Set(minRaw)} }

// FromInt converts a whole number. Every int64 fits.
func FromInt(n int64) Fixed {
	v := new(big.Int).Mul(big.NewInt(n), accuracy)
	return Fixed{raw: v}
}

// FromRational returns n/d, truncated toward zero.
func FromRational(n, d int64) (Fixed, error) {
	if d == 0 {
		return Fixed{}, ErrOutOfBound
	}
	v := new(big.Int).Mul(big.NewInt(n), accuracy)
	v.Quo(v, big.NewInt(d))
	return fromChecked(v)
}

// FromRaw interprets raw as a value already scaled by 10^18.
func FromRaw(raw *big.Int) (Fixed, error) {
	if raw == nil {
		return Fixed{}, nil
	}
	return fromChecked(raw)
}

// Raw returns a copy of the scaled integer value.
func (f Fixed) Raw() *big.Int {
	return new(big.Int).Set(f.bigRaw())
}

// Add returns f + g.
func (f Fixed) Add(g Fixed) (Fixed, error) {
	sum := getInt128()
	defer putInt128(sum)
	sum.Add(f.bigRaw(), g.bigRaw())
	return fromChecked(sum)
}

// Sub returns f - g.
func (f Fixed) Sub(g Fixed) (Fixed, error) {
	diff := getInt128()
	defer putInt128(diff)
	diff.Sub(f.bigRaw(), g.bigRaw())
	return fromChecked(diff)
}

// Mul returns f * g, truncated toward zero.
func (f Fixed) Mul(g Fixed) (Fixed, error) {
	product := getInt128()
	defer putInt128(product)
	product.Mul(f.bigRaw(), g.bigRaw())
	product.Quo(product, accuracy)
	return fromChecked(product)
}

// Div returns f / g, truncated toward zero. Division by zero is out of bound.
func (f Fixed) Div(g Fixed) (Fixed, error) {
	if g.IsZero() {
		return Fixed{}, ErrOutOfBound
	}
	numerator := getInt128()
	defer putInt128(numerator)
	numerator.Mul(f.bigRaw(), accuracy)
	numerator.Quo(numerator, g.bigRaw())
	return fromChecked(numerator)
}

// SaturatingAdd returns f + g clamped to [Min, Max].
func (f Fixed) SaturatingAdd(g Fixed) Fixed {
	sum := getInt128()
	defer putInt128(sum)
	sum.Add(f.bigRaw(), g.bigRaw())
	return fromSaturated(sum)
}

// SaturatingSub returns f - g clamped to [Min, Max].
func (f Fixed) SaturatingSub(g Fixed) Fixed {
	diff := getInt128()
	defer putInt128(diff)
	diff.Sub(f.bigRaw(), g.bigRaw())
	return fromSaturated(diff)
}

// SaturatingMul returns f * g clamped to [Min, Max].
func (f Fixed) SaturatingMul(g Fixed) Fixed {
	product := getInt128()
	defer putInt128(product)
	product.Mul(f.bigRaw(), g.bigRaw())
	product.Quo(product, accuracy)
	return fromSaturated(product)
}

// Neg returns -f. Negating Min is out of bound.
func (f Fixed) Neg() (Fixed, error) {
	neg := getInt128()
	defer putInt128(neg)
	neg.Neg(f.bigRaw())
	return fromChecked(neg)
}

// Abs returns |f|. The absolute value of Min is out of bound.
func (f Fixed) Abs() (Fixed, error) {
	if f.Sign() >= 0 {
		return f, nil
	}
	return f.Neg()
}

func (f Fixed) Sign() int { return f.bigRaw().Sign() }

func (f Fixed) IsZero() bool { return f.Sign() == 0 }

func (f Fixed) IsPositive() bool { return f.Sign() > 0 }

func (f Fixed) IsNegative() bool { return f.Sign() < 0 }

// Cmp compares f and g and returns -1, 0 or +1.
func (f Fixed) Cmp(g Fixed) int { return f.bigRaw().Cmp(g.bigRaw()) }

func (f Fixed) Equal(g Fixed) bool { return f.Cmp(g) == 0 }

func (f Fixed) LessThan(g Fixed) bool { return f.Cmp(g) < 0 }

func (f Fixed) GreaterThan(g Fixed) bool { return f.Cmp(g) > 0 }

// MaxOf returns the larger of a and b.
func MaxOf(a, b Fixed) Fixed {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// MinOf returns the smaller of a and b.
func MinOf(a, b Fixed) Fixed {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// Sum folds values with checked addition. The first overflow aborts the fold.
func Sum(values ...Fixed) (Fixed, error) {
	total := Zero()
	for _, v := range values {
		var err error
		total, err = total.Add(v)
		if err != nil {
			return Fixed{}, err
		}
	}
	return total, nil
}
