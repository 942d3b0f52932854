package matching

import (
	"github.com/atmx/perp-engine/internal/fixed"
)

// Skew is long - short.
func (p Position) Skew() (skew fixed.Fixed6, err error) {
	defer fixed.Recover(&err)
	return p.skew(), nil
}

func (p Position) skew() fixed.Fixed6 {
	return p.Long.Signed().Sub(p.Short.Signed())
}

// Major is the larger taker side.
func (p Position) Major() fixed.UFixed6 { return p.Long.Max(p.Short) }

// Minor is the smaller taker side.
func (p Position) Minor() fixed.UFixed6 { return p.Long.Min(p.Short) }

// Exposure returns the directional exposure of each side. A balanced market,
// or one with no maker, has no exposure.
//
// The maker absorbs the skew up to its own size. Beyond that the major side's
// exposure is capped at maker + minor and the excess is socialized:
//
//	{maker 10, long 12, short 6} -> {-6, +12, -6}
//	{maker 10, long 18, short 6} -> {-10, +16, -6}
func (p Position) Exposure() (e Exposure, err error) {
	defer fixed.Recover(&err)
	if p.Maker.IsZero() || p.Long.Equal(p.Short) {
		return Exposure{}, nil
	}
	return p.absolute(), nil
}

// absolute is the unguarded exposure used for fill accounting.
func (p Position) absolute() Exposure {
	maker := p.Maker.Signed()
	return Exposure{
		Maker: p.Short.Signed().Sub(p.Long.Signed()).Clamp(maker.Neg(), maker),
		Long:  p.Long.Min(p.Maker.Add(p.Short)).Signed(),
		Short: p.Short.Min(p.Maker.Add(p.Long)).Signed().Neg(),
	}
}

// UnitExposure returns the exposure carried by one unit of each side. Maker
// rates are bounded to [-1, 1]; a side with no size reports zero.
func (p Position) UnitExposure() (e Exposure, err error) {
	defer fixed.Recover(&err)
	return p.unitExposure(), nil
}

func (p Position) unitExposure() Exposure {
	var e Exposure
	if !p.Maker.IsZero() {
		e.Maker = p.Short.Signed().Sub(p.Long.Signed()).
			Div(p.Maker.Signed()).
			Clamp(fixed.NegOne, fixed.One)
	}
	if !p.Long.IsZero() {
		e.Long = p.Long.Min(p.Maker.Add(p.Short)).Div(p.Long).Signed()
	}
	if !p.Short.IsZero() {
		e.Short = p.Short.Min(p.Maker.Add(p.Long)).Div(p.Short).Signed().Neg()
	}
	return e
}

// Skew is long + short over the signed sides.
func (e Exposure) Skew() (skew fixed.Fixed6, err error) {
	defer fixed.Recover(&err)
	return e.Long.Add(e.Short), nil
}

// Flip returns the exposure seen from the opposite side.
func (e Exposure) Flip() Exposure {
	return Exposure{Maker: e.Maker.Neg(), Long: e.Long.Neg(), Short: e.Short.Neg()}
}

// Add sums two exposures side by side.
func (e Exposure) Add(other Exposure) (out Exposure, err error) {
	defer fixed.Recover(&err)
	return e.add(other), nil
}

func (e Exposure) add(other Exposure) Exposure {
	return Exposure{
		Maker: e.Maker.Add(other.Maker),
		Long:  e.Long.Add(other.Long),
		Short: e.Short.Add(other.Short),
	}
}

// Sub returns e - other side by side.
func (e Exposure) Sub(other Exposure) (out Exposure, err error) {
	defer fixed.Recover(&err)
	return e.add(other.Flip()), nil
}

// IsZero reports whether every side is zero.
func (e Exposure) IsZero() bool {
	return e.Maker.IsZero() && e.Long.IsZero() && e.Short.IsZero()
}

func (e Exposure) sides() [3]fixed.Fixed6 {
	return [3]fixed.Fixed6{e.Maker, e.Long, e.Short}
}

// Apply moves the book by every side of e.
func (b Orderbook) Apply(e Exposure) (out Orderbook, err error) {
	defer fixed.Recover(&err)
	return b.apply(e), nil
}

func (b Orderbook) apply(e Exposure) Orderbook {
	for _, v := range e.sides() {
		b = b.applySide(v)
	}
	return b
}

// ApplySide raises the ask by a positive value or lowers the bid by a negative
// one.
func (b Orderbook) ApplySide(v fixed.Fixed6) (out Orderbook, err error) {
	defer fixed.Recover(&err)
	return b.applySide(v), nil
}

func (b Orderbook) applySide(v fixed.Fixed6) Orderbook {
	switch v.Sign() {
	case 1:
		b.Ask = b.Ask.Add(v)
	case -1:
		b.Bid = b.Bid.Add(v)
	}
	return b
}
