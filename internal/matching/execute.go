package matching

import (
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/synbook"
)

// Result is the outcome of executing one settlement period's order.
type Result struct {
	MakerClose FillResult `json:"maker_close"`
	TakerPos   FillResult `json:"taker_pos"`
	TakerNeg   FillResult `json:"taker_neg"`
	MakerOpen  FillResult `json:"maker_open"`
	Total      FillResult `json:"total"`
	Filled     Exposure   `json:"filled"`
	Position   Position   `json:"position"`
	Orderbook  Orderbook  `json:"orderbook"`
}

// Execute fills o against p in phases so that maker capacity released by
// closes is measured before takers draw on it:
//
//  1. maker close
//  2. taker pos and taker neg, both against the post-close state
//  3. maker open
//
// The taker phases move the book independently and their movements are
// summed. Inputs and outputs are checked against their storage widths.
func Execute(book Orderbook, p Position, o Order, curve synbook.Curve, price fixed.Fixed6) (Result, error) {
	if err := validateInputs(book, p, o, curve); err != nil {
		return Result{}, err
	}
	r, err := execute(book, p, o, curve, price)
	if err != nil {
		return Result{}, err
	}
	if err := validateOutputs(r.Orderbook, r.Position); err != nil {
		return Result{}, err
	}
	return r, nil
}

func execute(book Orderbook, p Position, o Order, curve synbook.Curve, price fixed.Fixed6) (r Result, err error) {
	defer fixed.Recover(&err)

	closing, err := fill(book, p, o.MakerClose(), curve, price)
	if err != nil {
		return Result{}, err
	}
	base := closing.book

	pos, err := fill(base, closing.position, o.TakerPos(), curve, price)
	if err != nil {
		return Result{}, err
	}
	neg, err := fill(base, closing.position, o.TakerNeg(), curve, price)
	if err != nil {
		return Result{}, err
	}
	taken := Orderbook{
		Midpoint: base.Midpoint,
		Ask:      pos.book.Ask.Add(neg.book.Ask).Sub(base.Ask),
		Bid:      pos.book.Bid.Add(neg.book.Bid).Sub(base.Bid),
	}
	position := closing.position.apply(o.TakerPos().add(o.TakerNeg()))

	opening, err := fill(taken, position, o.MakerOpen(), curve, price)
	if err != nil {
		return Result{}, err
	}

	r = Result{
		MakerClose: closing.result,
		TakerPos:   pos.result,
		TakerNeg:   neg.result,
		MakerOpen:  opening.result,
		Position:   opening.position,
		Orderbook:  opening.book,
	}
	r.Total = r.MakerClose.add(r.TakerPos).add(r.TakerNeg).add(r.MakerOpen)
	r.Filled = closing.match.Filled.
		add(pos.match.Filled).
		add(neg.match.Filled).
		add(opening.match.Filled)
	return r, nil
}
