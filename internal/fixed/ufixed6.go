package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// UFixed6 is an unsigned decimal with six places. The zero value is 0.
type UFixed6 struct {
	v decimal.Decimal
}

// UOne is 1.000000.
var UOne = UFixed6{v: decimal.NewFromInt(1)}

// NewU returns n whole units.
func NewU(n uint64) UFixed6 {
	return UFixed6{v: decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0)}
}

// NewUFromRaw returns raw units of 10^-6.
func NewUFromRaw(raw uint64) UFixed6 {
	return UFixed6{v: decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -Precision)}
}

// ParseU parses a non-negative decimal string with at most six places.
func ParseU(s string) (UFixed6, error) {
	d, err := parse(s)
	if err != nil {
		return UFixed6{}, err
	}
	if d.Sign() < 0 || raw(d).Cmp(maxUnsignedRaw) > 0 {
		return UFixed6{}, rangeErr("parse", d)
	}
	return UFixed6{v: d}, nil
}

// MustParseU is ParseU that panics on error. Intended for constants and tests.
func MustParseU(s string) UFixed6 {
	u, err := ParseU(s)
	if err != nil {
		panic(err)
	}
	return u
}

// FromDecimal converts d, truncating past six places.
func FromDecimal(d decimal.Decimal) (UFixed6, error) {
	var u UFixed6
	err := func() (err error) {
		defer Recover(&err)
		u = unsigned("convert", d)
		return nil
	}()
	return u, err
}

func (a UFixed6) Add(b UFixed6) UFixed6 { return unsigned("add", a.v.Add(b.v)) }

// Sub fails when b > a.
func (a UFixed6) Sub(b UFixed6) UFixed6 { return unsigned("sub", a.v.Sub(b.v)) }

func (a UFixed6) Mul(b UFixed6) UFixed6 { return unsigned("mul", a.v.Mul(b.v)) }

func (a UFixed6) Div(b UFixed6) UFixed6 { return unsigned("div", quo("div", a.v, b.v)) }

// MulDiv returns a*b/c with a single truncation.
func (a UFixed6) MulDiv(b, c UFixed6) UFixed6 {
	return unsigned("muldiv", quo("muldiv", a.v.Mul(b.v), c.v))
}

func (a UFixed6) Min(b UFixed6) UFixed6 {
	if a.v.LessThan(b.v) {
		return a
	}
	return b
}

func (a UFixed6) Max(b UFixed6) UFixed6 {
	if a.v.GreaterThan(b.v) {
		return a
	}
	return b
}

// Signed converts to Fixed6.
func (a UFixed6) Signed() Fixed6 { return signed("convert", a.v) }

func (a UFixed6) IsZero() bool { return a.v.IsZero() }
func (a UFixed6) Cmp(b UFixed6) int { return a.v.Cmp(b.v) }
func (a UFixed6) Equal(b UFixed6) bool { return a.v.Equal(b.v) }
func (a UFixed6) LessThan(b UFixed6) bool { return a.v.LessThan(b.v) }
func (a UFixed6) GreaterThan(b UFixed6) bool { return a.v.GreaterThan(b.v) }
func (a UFixed6) Decimal() decimal.Decimal { return a.v }
func (a UFixed6) Raw() *big.Int { return raw(a.v) }
func (a UFixed6) String() string { return a.v.StringFixed(Precision) }
func (a UFixed6) InexactFloat64() float64 { return a.v.InexactFloat64() }
func (a UFixed6) CheckWidth(bits int) error { return checkWidth(a.v, bits, false) }
func (a UFixed6) MarshalJSON() ([]byte, error) { return []byte(`"` + a.String() + `"`), nil }

func (a *UFixed6) UnmarshalJSON(data []byte) error {
	d, err := unmarshalDecimal(data)
	if err != nil {
		return err
	}
	if d.Sign() < 0 || raw(d).Cmp(maxUnsignedRaw) > 0 {
		return rangeErr("parse", d)
	}
	a.v = d
	return nil
}
