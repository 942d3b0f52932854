package matching

import (
	"github.com/atmx/perp-engine/internal/fixed"
)

// MatchResult holds the exposure of an order's match. Close and Open are the
// per-unit exposures of the position before and after the order. Filled is the
// exposure change absorbed by the part of each side that stays open through
// the order; it is smaller than the naive difference whenever socialization
// binds.
type MatchResult struct {
	Close  Exposure `json:"close"`
	Open   Exposure `json:"open"`
	Filled Exposure `json:"filled"`
}

// Match replays o against p. The position is not modified; use Position.Apply
// for the resulting position. An empty order matches nothing.
func Match(p Position, o Order) (m MatchResult, err error) {
	defer fixed.Recover(&err)
	return match(p, o), nil
}

func match(p Position, o Order) MatchResult {
	if o.IsEmpty() {
		return MatchResult{}
	}

	after := p.apply(o)
	remaining := p.apply(o.Close())
	from, to := p.absolute(), after.absolute()

	return MatchResult{
		Close: p.unitExposure(),
		Open:  after.unitExposure(),
		Filled: Exposure{
			Maker: filled(from.Maker, to.Maker, remaining.Maker, p.Maker, after.Maker),
			Long:  filled(from.Long, to.Long, remaining.Long, p.Long, after.Long),
			Short: filled(from.Short, to.Short, remaining.Short, p.Short, after.Short),
		},
	}
}

// filled is the change in exposure carried by the remaining size of one side.
func filled(from, to fixed.Fixed6, remaining, before, after fixed.UFixed6) fixed.Fixed6 {
	return portion(to, remaining, after).Sub(portion(from, remaining, before))
}

// portion is e·part/whole, or zero for an empty side.
func portion(e fixed.Fixed6, part, whole fixed.UFixed6) fixed.Fixed6 {
	if whole.IsZero() {
		return fixed.Fixed6{}
	}
	return e.MulDiv(part.Signed(), whole.Signed())
}
