package fixedpoint

import (
	"fmt"
	"math/big"
	"strings"
)

// Canonical precisions used across the protocol.
// Ratios (LTV, bonus, fee) live at Bps, asset amounts at Wad or the asset's
// native decimals, and indexes/rates at Ray for headroom during iterative
// multiplication.
const (
	Bps uint32 = 4
	Wad uint32 = 18
	Ray uint32 = 27
)

// Dec is an exact fixed-point decimal: an unbounded integer magnitude tagged
// with a precision (number of implied fractional digits). All arithmetic
// between two Dec values first brings both operands to the same precision;
// values are never combined at differing scales. Every precision-reducing
// step goes through one of the half-up primitives; nothing truncates
// silently.
type Dec struct {
	raw  *big.Int
	prec uint32
}

var pow10Tab = func() []*big.Int {
	tab := make([]*big.Int, 60)
	v := big.NewInt(1)
	ten := big.NewInt(10)
	for i := range tab {
		tab[i] = new(big.Int).Set(v)
		v.Mul(v, ten)
	}
	return tab
}()

func pow10(n uint32) *big.Int {
	if int(n) < len(pow10Tab) {
		return pow10Tab[n]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// New wraps a raw scaled integer as a Dec at the given precision. The raw
// value is copied.
func New(raw *big.Int, prec uint32) Dec {
	if raw == nil {
		return Dec{raw: new(big.Int), prec: prec}
	}
	return Dec{raw: new(big.Int).Set(raw), prec: prec}
}

// NewFromInt64 wraps a raw scaled int64 as a Dec at the given precision.
func NewFromInt64(raw int64, prec uint32) Dec {
	return Dec{raw: big.NewInt(raw), prec: prec}
}

// FromUnits builds the decimal representing `units` whole units at the given
// precision (e.g. FromUnits(3, Ray) == 3.0 RAY).
func FromUnits(units int64, prec uint32) Dec {
	raw := new(big.Int).Mul(big.NewInt(units), pow10(prec))
	return Dec{raw: raw, prec: prec}
}

// ParseRaw parses a base-10 raw scaled integer, as produced by Raw().String().
// Used when rehydrating values from snapshots and database rows.
func ParseRaw(s string, prec uint32) (Dec, error) {
	raw, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Dec{}, fmt.Errorf("fixedpoint: invalid raw integer %q", s)
	}
	return Dec{raw: raw, prec: prec}, nil
}

// Zero returns 0 at the given precision.
func Zero(prec uint32) Dec { return Dec{raw: new(big.Int), prec: prec} }

// One returns 1.0 at the given precision.
func One(prec uint32) Dec { return FromUnits(1, prec) }

// Two returns 2.0 at the given precision.
func Two(prec uint32) Dec { return FromUnits(2, prec) }

// Raw returns a copy of the scaled integer magnitude.
func (d Dec) Raw() *big.Int {
	if d.raw == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(d.raw)
}

// Prec returns the precision (implied fractional digits).
func (d Dec) Prec() uint32 { return d.prec }

func (d Dec) IsZero() bool { return d.raw == nil || d.raw.Sign() == 0 }

func (d Dec) Sign() int {
	if d.raw == nil {
		return 0
	}
	return d.raw.Sign()
}

func (d Dec) rawOrZero() *big.Int {
	if d.raw == nil {
		return new(big.Int)
	}
	return d.raw
}

func samePrec(op string, a, b Dec) {
	if a.prec != b.prec {
		panic(fmt.Sprintf("fixedpoint: %s precision mismatch: %d vs %d", op, a.prec, b.prec))
	}
}

// Add returns a+b. Both operands must share a precision; addition is exact.
func (d Dec) Add(o Dec) Dec {
	samePrec("add", d, o)
	return Dec{raw: new(big.Int).Add(d.rawOrZero(), o.rawOrZero()), prec: d.prec}
}

// Sub returns a−b. Both operands must share a precision; subtraction is exact.
func (d Dec) Sub(o Dec) Dec {
	samePrec("sub", d, o)
	return Dec{raw: new(big.Int).Sub(d.rawOrZero(), o.rawOrZero()), prec: d.prec}
}

// Neg returns −d.
func (d Dec) Neg() Dec {
	return Dec{raw: new(big.Int).Neg(d.rawOrZero()), prec: d.prec}
}

// Cmp compares two values of equal precision: -1, 0 or +1.
func (d Dec) Cmp(o Dec) int {
	samePrec("cmp", d, o)
	return d.rawOrZero().Cmp(o.rawOrZero())
}

// String renders the decimal with its full fractional part, e.g. "1.020000".
func (d Dec) String() string {
	raw := d.rawOrZero()
	neg := raw.Sign() < 0
	abs := new(big.Int).Abs(raw)
	whole, frac := new(big.Int).QuoRem(abs, pow10(d.prec), new(big.Int))
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(whole.String())
	if d.prec > 0 {
		b.WriteByte('.')
		fs := frac.String()
		for i := uint32(len(fs)); i < d.prec; i++ {
			b.WriteByte('0')
		}
		b.WriteString(fs)
	}
	return b.String()
}

// halfOf returns floor(x/2) for positive x. Adding it before an integer
// division rounds exact halves up and everything below half down.
func halfOf(x *big.Int) *big.Int {
	return new(big.Int).Rsh(x, 1)
}

func mustNonNegative(op string, values ...Dec) {
	for _, v := range values {
		if v.Sign() < 0 {
			panic(fmt.Sprintf("fixedpoint: %s on negative operand, use the signed variant", op))
		}
	}
}

// RescaleHalfUp converts a value to a new precision. Raising precision pads
// exactly; lowering rounds the truncated digits half-up (away from zero for
// negative values, so the rounding stays symmetric).
func RescaleHalfUp(v Dec, newPrec uint32) Dec {
	if newPrec == v.prec {
		return Dec{raw: v.Raw(), prec: v.prec}
	}
	if newPrec > v.prec {
		raw := new(big.Int).Mul(v.rawOrZero(), pow10(newPrec-v.prec))
		return Dec{raw: raw, prec: newPrec}
	}
	div := pow10(v.prec - newPrec)
	abs := new(big.Int).Abs(v.rawOrZero())
	abs.Add(abs, halfOf(div))
	abs.Quo(abs, div)
	if v.Sign() < 0 {
		abs.Neg(abs)
	}
	return Dec{raw: abs, prec: newPrec}
}

// MulHalfUp multiplies two non-negative decimals at the target precision,
// rounding the result half-up.
func MulHalfUp(a, b Dec, prec uint32) Dec {
	mustNonNegative("mul_half_up", a, b)
	ar := RescaleHalfUp(a, prec)
	br := RescaleHalfUp(b, prec)
	div := pow10(prec)
	product := new(big.Int).Mul(ar.rawOrZero(), br.rawOrZero())
	product.Add(product, halfOf(div))
	product.Quo(product, div)
	return Dec{raw: product, prec: prec}
}

// DivHalfUp divides two non-negative decimals at the target precision,
// rounding the result half-up. Division by a zero-valued decimal is a fatal
// precondition violation.
func DivHalfUp(a, b Dec, prec uint32) Dec {
	mustNonNegative("div_half_up", a, b)
	ar := RescaleHalfUp(a, prec)
	br := RescaleHalfUp(b, prec)
	if br.IsZero() {
		panic("fixedpoint: division by zero decimal")
	}
	num := new(big.Int).Mul(ar.rawOrZero(), pow10(prec))
	num.Add(num, halfOf(br.rawOrZero()))
	num.Quo(num, br.rawOrZero())
	return Dec{raw: num, prec: prec}
}

// MulHalfUpSigned multiplies two decimals of any sign at the target
// precision, rounding exact halves away from zero (−0.5 → −1, not 0).
func MulHalfUpSigned(a, b Dec, prec uint32) Dec {
	ar := RescaleHalfUp(a, prec)
	br := RescaleHalfUp(b, prec)
	div := pow10(prec)
	product := new(big.Int).Mul(ar.rawOrZero(), br.rawOrZero())
	neg := product.Sign() < 0
	product.Abs(product)
	product.Add(product, halfOf(div))
	product.Quo(product, div)
	if neg {
		product.Neg(product)
	}
	return Dec{raw: product, prec: prec}
}

// DivHalfUpSigned divides two decimals of any sign at the target precision,
// rounding exact halves away from zero. Division by zero panics.
func DivHalfUpSigned(a, b Dec, prec uint32) Dec {
	ar := RescaleHalfUp(a, prec)
	br := RescaleHalfUp(b, prec)
	if br.IsZero() {
		panic("fixedpoint: division by zero decimal")
	}
	neg := (ar.Sign() < 0) != (br.Sign() < 0)
	num := new(big.Int).Abs(ar.rawOrZero())
	den := new(big.Int).Abs(br.rawOrZero())
	num.Mul(num, pow10(prec))
	num.Add(num, halfOf(den))
	num.Quo(num, den)
	if neg {
		num.Neg(num)
	}
	return Dec{raw: num, prec: prec}
}
