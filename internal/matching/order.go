package matching

import (
	"github.com/atmx/perp-engine/internal/fixed"
)

// MakerClose keeps only MakerNeg.
func (o Order) MakerClose() Order { return Order{MakerNeg: o.MakerNeg} }

// MakerOpen keeps only MakerPos.
func (o Order) MakerOpen() Order { return Order{MakerPos: o.MakerPos} }

// TakerPos keeps the flow that raises skew: long opens and short closes.
func (o Order) TakerPos() Order { return Order{LongPos: o.LongPos, ShortNeg: o.ShortNeg} }

// TakerNeg keeps the flow that lowers skew: long closes and short opens.
func (o Order) TakerNeg() Order { return Order{LongNeg: o.LongNeg, ShortPos: o.ShortPos} }

// Close keeps every decrease.
func (o Order) Close() Order {
	return Order{MakerNeg: o.MakerNeg, LongNeg: o.LongNeg, ShortNeg: o.ShortNeg}
}

// Open keeps every increase.
func (o Order) Open() Order {
	return Order{MakerPos: o.MakerPos, LongPos: o.LongPos, ShortPos: o.ShortPos}
}

// IsEmpty reports whether every delta is zero.
func (o Order) IsEmpty() bool {
	for _, v := range o.deltas() {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

func (o Order) deltas() [6]fixed.UFixed6 {
	return [6]fixed.UFixed6{o.MakerPos, o.MakerNeg, o.LongPos, o.LongNeg, o.ShortPos, o.ShortNeg}
}

// Add sums two orders field by field.
func (o Order) Add(other Order) (out Order, err error) {
	defer fixed.Recover(&err)
	return o.add(other), nil
}

func (o Order) add(other Order) Order {
	return Order{
		MakerPos: o.MakerPos.Add(other.MakerPos),
		MakerNeg: o.MakerNeg.Add(other.MakerNeg),
		LongPos:  o.LongPos.Add(other.LongPos),
		LongNeg:  o.LongNeg.Add(other.LongNeg),
		ShortPos: o.ShortPos.Add(other.ShortPos),
		ShortNeg: o.ShortNeg.Add(other.ShortNeg),
	}
}

// Apply returns the position after o. It fails with fixed.ErrRange when a
// side would go negative.
func (p Position) Apply(o Order) (out Position, err error) {
	defer fixed.Recover(&err)
	return p.apply(o), nil
}

func (p Position) apply(o Order) Position {
	return Position{
		Maker: p.Maker.Add(o.MakerPos).Sub(o.MakerNeg),
		Long:  p.Long.Add(o.LongPos).Sub(o.LongNeg),
		Short: p.Short.Add(o.ShortPos).Sub(o.ShortNeg),
	}
}
