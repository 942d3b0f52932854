package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Fixed6 is a signed decimal with six places. The zero value is 0.
type Fixed6 struct {
	v decimal.Decimal
}

var (
	One    = Fixed6{v: decimal.NewFromInt(1)}
	NegOne = Fixed6{v: decimal.NewFromInt(-1)}
)

// New returns n whole units.
func New(n int64) Fixed6 {
	return Fixed6{v: decimal.NewFromInt(n)}
}

// NewFromRaw returns raw units of 10^-6.
func NewFromRaw(raw int64) Fixed6 {
	return Fixed6{v: decimal.New(raw, -Precision)}
}

// Parse parses a decimal string with at most six places.
func Parse(s string) (Fixed6, error) {
	d, err := parse(s)
	if err != nil {
		return Fixed6{}, err
	}
	r := raw(d)
	if r.Cmp(maxSignedRaw) > 0 || r.Cmp(minSignedRaw) < 0 {
		return Fixed6{}, rangeErr("parse", d)
	}
	return Fixed6{v: d}, nil
}

// MustParse is Parse that panics on error.
func MustParse(s string) Fixed6 {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

func (a Fixed6) Add(b Fixed6) Fixed6 { return signed("add", a.v.Add(b.v)) }
func (a Fixed6) Sub(b Fixed6) Fixed6 { return signed("sub", a.v.Sub(b.v)) }
func (a Fixed6) Mul(b Fixed6) Fixed6 { return signed("mul", a.v.Mul(b.v)) }
func (a Fixed6) Div(b Fixed6) Fixed6 { return signed("div", quo("div", a.v, b.v)) }

// MulDiv returns a*b/c with a single truncation toward zero.
func (a Fixed6) MulDiv(b, c Fixed6) Fixed6 {
	return signed("muldiv", quo("muldiv", a.v.Mul(b.v), c.v))
}

// Neg never overflows; the range is symmetric.
func (a Fixed6) Neg() Fixed6 { return Fixed6{v: a.v.Neg()} }

func (a Fixed6) Abs() UFixed6 { return UFixed6{v: a.v.Abs()} }

// Unsigned fails for negative values.
func (a Fixed6) Unsigned() UFixed6 { return unsigned("convert", a.v) }

func (a Fixed6) Min(b Fixed6) Fixed6 {
	if a.v.LessThan(b.v) {
		return a
	}
	return b
}

func (a Fixed6) Max(b Fixed6) Fixed6 {
	if a.v.GreaterThan(b.v) {
		return a
	}
	return b
}

// Clamp bounds a to [lo, hi].
func (a Fixed6) Clamp(lo, hi Fixed6) Fixed6 {
	return a.Max(lo).Min(hi)
}

func (a Fixed6) Sign() int { return a.v.Sign() }
func (a Fixed6) IsZero() bool { return a.v.IsZero() }
func (a Fixed6) Cmp(b Fixed6) int { return a.v.Cmp(b.v) }
func (a Fixed6) Equal(b Fixed6) bool { return a.v.Equal(b.v) }
func (a Fixed6) LessThan(b Fixed6) bool { return a.v.LessThan(b.v) }
func (a Fixed6) GreaterThan(b Fixed6) bool { return a.v.GreaterThan(b.v) }
func (a Fixed6) Decimal() decimal.Decimal { return a.v }
func (a Fixed6) Raw() *big.Int { return raw(a.v) }
func (a Fixed6) String() string { return a.v.StringFixed(Precision) }
func (a Fixed6) InexactFloat64() float64 { return a.v.InexactFloat64() }
func (a Fixed6) CheckWidth(bits int) error { return checkWidth(a.v, bits, true) }
func (a Fixed6) MarshalJSON() ([]byte, error) { return []byte(`"` + a.String() + `"`), nil }

func (a *Fixed6) UnmarshalJSON(data []byte) error {
	d, err := unmarshalDecimal(data)
	if err != nil {
		return err
	}
	if r := raw(d); r.Cmp(maxSignedRaw) > 0 || r.Cmp(minSignedRaw) < 0 {
		return rangeErr("parse", d)
	}
	a.v = d
	return nil
}
