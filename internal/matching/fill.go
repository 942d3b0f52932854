package matching

import (
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/synbook"
)

type filling struct {
	result   FillResult
	match    MatchResult
	book     Orderbook
	position Position
}

// Fill applies o to p, moves the book by the filled exposure and prices the
// move on curve at price. Either every output is returned or none is.
func Fill(book Orderbook, p Position, o Order, curve synbook.Curve, price fixed.Fixed6) (FillResult, Orderbook, Position, error) {
	if err := validateInputs(book, p, o, curve); err != nil {
		return FillResult{}, Orderbook{}, Position{}, err
	}
	f, err := guardedFill(book, p, o, curve, price)
	if err != nil {
		return FillResult{}, Orderbook{}, Position{}, err
	}
	if err := validateOutputs(f.book, f.position); err != nil {
		return FillResult{}, Orderbook{}, Position{}, err
	}
	return f.result, f.book, f.position, nil
}

func guardedFill(book Orderbook, p Position, o Order, curve synbook.Curve, price fixed.Fixed6) (f filling, err error) {
	defer fixed.Recover(&err)
	return fill(book, p, o, curve, price)
}

func fill(book Orderbook, p Position, o Order, curve synbook.Curve, price fixed.Fixed6) (filling, error) {
	f := filling{
		position: p.apply(o),
		match:    match(p, o),
	}
	f.book = book.apply(f.match.Filled.Flip())

	var err error
	if f.result.SpreadPos, err = curve.Compute(book.Ask, f.book.Ask.Sub(book.Ask), price); err != nil {
		return filling{}, err
	}
	if f.result.SpreadNeg, err = curve.Compute(book.Bid, f.book.Bid.Sub(book.Bid), price); err != nil {
		return filling{}, err
	}
	f.result.attribute(f.match.Filled)
	return f, nil
}

// attribute splits SpreadPos across the sides whose filled exposure moved the
// ask, and SpreadNeg across those that moved the bid, in proportion to size.
func (r *FillResult) attribute(filled Exposure) {
	var ask, bid [3]fixed.UFixed6
	for i, v := range filled.sides() {
		if v.Sign() < 0 {
			ask[i] = v.Abs()
		} else {
			bid[i] = v.Abs()
		}
	}
	a, b := split(r.SpreadPos, ask), split(r.SpreadNeg, bid)
	r.SpreadMaker = a[0].Add(b[0])
	r.SpreadLong = a[1].Add(b[1])
	r.SpreadShort = a[2].Add(b[2])
}

// split divides total by weight. Truncation dust is left unattributed.
func split(total fixed.UFixed6, weights [3]fixed.UFixed6) [3]fixed.UFixed6 {
	var out [3]fixed.UFixed6
	sum := weights[0].Add(weights[1]).Add(weights[2])
	if total.IsZero() || sum.IsZero() {
		return out
	}
	for i, w := range weights {
		out[i] = total.MulDiv(w, sum)
	}
	return out
}

func validateInputs(book Orderbook, p Position, o Order, curve synbook.Curve) error {
	if err := curve.Validate(); err != nil {
		return err
	}
	if err := book.Validate(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return o.Validate()
}

func validateOutputs(book Orderbook, p Position) error {
	if err := book.Validate(); err != nil {
		return err
	}
	return p.Validate()
}
