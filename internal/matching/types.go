// Package matching nets a settlement period's aggregated order against a
// market's confirmed position.
//
// It computes each side's directional exposure, replays orders phase by phase
// to find the exposure that was actually filled once maker capacity is
// exhausted, moves the synthetic orderbook by that exposure and prices the move
// on the market's fee curve. Every function is a pure transformation of value
// types and is safe for concurrent use across markets.
package matching

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
)

// Storage widths, in bits, of the persisted fields.
const (
	PositionWidth  = 64
	OrderWidth     = 64
	OrderbookWidth = 64
)

// Position is the confirmed size on each side of a market.
type Position struct {
	Maker fixed.UFixed6 `json:"maker"`
	Long  fixed.UFixed6 `json:"long"`
	Short fixed.UFixed6 `json:"short"`
}

// Order is the aggregated request of one settlement period. "Pos" fields
// increase a side and "Neg" fields decrease it.
type Order struct {
	MakerPos fixed.UFixed6 `json:"maker_pos"`
	MakerNeg fixed.UFixed6 `json:"maker_neg"`
	LongPos  fixed.UFixed6 `json:"long_pos"`
	LongNeg  fixed.UFixed6 `json:"long_neg"`
	ShortPos fixed.UFixed6 `json:"short_pos"`
	ShortNeg fixed.UFixed6 `json:"short_neg"`
}

// Exposure is the signed directional exposure of each side.
type Exposure struct {
	Maker fixed.Fixed6 `json:"maker"`
	Long  fixed.Fixed6 `json:"long"`
	Short fixed.Fixed6 `json:"short"`
}

// Orderbook is the synthetic book of a market. Ask and Bid accumulate the
// positive and negative exposure applied to it; Midpoint is never moved here.
type Orderbook struct {
	Midpoint fixed.Fixed6 `json:"midpoint"`
	Ask      fixed.Fixed6 `json:"ask"`
	Bid      fixed.Fixed6 `json:"bid"`
}

// FillResult is the spread generated by one fill. SpreadPos and SpreadNeg are
// charged for moving the ask and the bid; SpreadMaker, SpreadLong and
// SpreadShort attribute them to the sides that absorbed the flow.
type FillResult struct {
	SpreadPos   fixed.UFixed6 `json:"spread_pos"`
	SpreadNeg   fixed.UFixed6 `json:"spread_neg"`
	SpreadMaker fixed.UFixed6 `json:"spread_maker"`
	SpreadLong  fixed.UFixed6 `json:"spread_long"`
	SpreadShort fixed.UFixed6 `json:"spread_short"`
}

type field[T interface{ CheckWidth(int) error }] struct {
	name  string
	value T
}

func checkFields[T interface{ CheckWidth(int) error }](kind string, bits int, fields ...field[T]) error {
	for _, f := range fields {
		if err := f.value.CheckWidth(bits); err != nil {
			return fmt.Errorf("matching: %s %s: %w", kind, f.name, err)
		}
	}
	return nil
}

// Validate checks that every side fits its storage width.
func (p Position) Validate() error {
	return checkFields("position", PositionWidth,
		field[fixed.UFixed6]{"maker", p.Maker},
		field[fixed.UFixed6]{"long", p.Long},
		field[fixed.UFixed6]{"short", p.Short},
	)
}

// Validate checks that every delta fits its storage width.
func (o Order) Validate() error {
	return checkFields("order", OrderWidth,
		field[fixed.UFixed6]{"maker_pos", o.MakerPos},
		field[fixed.UFixed6]{"maker_neg", o.MakerNeg},
		field[fixed.UFixed6]{"long_pos", o.LongPos},
		field[fixed.UFixed6]{"long_neg", o.LongNeg},
		field[fixed.UFixed6]{"short_pos", o.ShortPos},
		field[fixed.UFixed6]{"short_neg", o.ShortNeg},
	)
}

// Validate checks that every level fits its storage width.
func (b Orderbook) Validate() error {
	return checkFields("orderbook", OrderbookWidth,
		field[fixed.Fixed6]{"midpoint", b.Midpoint},
		field[fixed.Fixed6]{"ask", b.Ask},
		field[fixed.Fixed6]{"bid", b.Bid},
	)
}

// Add sums two fill results field by field.
func (r FillResult) Add(other FillResult) (out FillResult, err error) {
	defer fixed.Recover(&err)
	return r.add(other), nil
}

func (r FillResult) add(other FillResult) FillResult {
	return FillResult{
		SpreadPos:   r.SpreadPos.Add(other.SpreadPos),
		SpreadNeg:   r.SpreadNeg.Add(other.SpreadNeg),
		SpreadMaker: r.SpreadMaker.Add(other.SpreadMaker),
		SpreadLong:  r.SpreadLong.Add(other.SpreadLong),
		SpreadShort: r.SpreadShort.Add(other.SpreadShort),
	}
}

// Total is the whole spread charged, SpreadPos + SpreadNeg.
func (r FillResult) Total() (total fixed.UFixed6, err error) {
	defer fixed.Recover(&err)
	return r.SpreadPos.Add(r.SpreadNeg), nil
}

func (p Position) String() string {
	return fmt.Sprintf("{maker: %s, long: %s, short: %s}", p.Maker, p.Long, p.Short)
}

func (o Order) String() string {
	return fmt.Sprintf("{maker: +%s -%s, long: +%s -%s, short: +%s -%s}",
		o.MakerPos, o.MakerNeg, o.LongPos, o.LongNeg, o.ShortPos, o.ShortNeg)
}

func (e Exposure) String() string {
	return fmt.Sprintf("{maker: %s, long: %s, short: %s}", e.Maker, e.Long, e.Short)
}

func (b Orderbook) String() string {
	return fmt.Sprintf("{midpoint: %s, ask: %s, bid: %s}", b.Midpoint, b.Ask, b.Bid)
}
