// Package synbook implements the synthetic orderbook fee curve used to price
// the spread charged for moving a market's ask or bid.
//
// The curve is a cubic marginal fee rate over utilization x = skew / scale:
//
//	rate(x) = d0 + d1·|x| + d2·x² + d3·|x|³
//
// and the spread for moving utilization from x0 to x1 is the notional of the
// move times the exact integral of the rate between the two points:
//
//	spread = |change| · |price| · |I(x1) - I(x0)|
//	I(x)   = d0·x + d1·x|x|/2 + d2·x³/3 + d3·x³|x|/4
//
// All terms are evaluated exactly over the common denominator 12·scale⁴ with
// shopspring/decimal and truncated once at six places. There is no
// approximation and no float64 anywhere on the money path.
package synbook

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	// ErrInvalidScale is returned when scale is zero.
	ErrInvalidScale = errors.New("synbook: scale must be positive")

	// weights of each coefficient over the common denominator 12.
	weights = [4]decimal.Decimal{
		decimal.NewFromInt(12),
		decimal.NewFromInt(6),
		decimal.NewFromInt(4),
		decimal.NewFromInt(3),
	}
)

// Curve holds the fee-curve coefficients of one market. It is immutable
// configuration loaded from the market's parameter set.
type Curve struct {
	D0    fixed.UFixed6 `json:"d0"`
	D1    fixed.UFixed6 `json:"d1"`
	D2    fixed.UFixed6 `json:"d2"`
	D3    fixed.UFixed6 `json:"d3"`
	Scale fixed.UFixed6 `json:"scale"`
}

// New validates and returns a curve.
func New(d0, d1, d2, d3, scale fixed.UFixed6) (Curve, error) {
	c := Curve{D0: d0, D1: d1, D2: d2, D3: d3, Scale: scale}
	if err := c.Validate(); err != nil {
		return Curve{}, err
	}
	return c, nil
}

// Validate rejects a zero scale, which would divide by zero.
func (c Curve) Validate() error {
	if c.Scale.IsZero() {
		return ErrInvalidScale
	}
	return nil
}

func (c Curve) coefficients() [4]decimal.Decimal {
	return [4]decimal.Decimal{c.D0.Decimal(), c.D1.Decimal(), c.D2.Decimal(), c.D3.Decimal()}
}

// Compute returns the spread for moving the book side at latest by change,
// quoted at price. A zero change costs nothing.
func (c Curve) Compute(latest, change, price fixed.Fixed6) (fixed.UFixed6, error) {
	if err := c.Validate(); err != nil {
		return fixed.UFixed6{}, err
	}
	if change.IsZero() {
		return fixed.UFixed6{}, nil
	}

	from := latest.Decimal()
	to := from.Add(change.Decimal())
	s := c.Scale.Decimal()

	// 12·scale⁴·(I(to) - I(from))
	numerator := decimal.Zero
	d := c.coefficients()
	for i := range d {
		if d[i].IsZero() {
			continue
		}
		term := d[i].Mul(weights[i]).
			Mul(power(to, i+1).Sub(power(from, i+1))).
			Mul(ipow(s, 3-i))
		numerator = numerator.Add(term)
	}

	notional := change.Decimal().Abs().Mul(price.Decimal().Abs())
	denominator := weights[0].Mul(ipow(s, 4))

	spread, _ := notional.Mul(numerator.Abs()).QuoRem(denominator, fixed.Precision)
	out, err := fixed.FromDecimal(spread)
	if err != nil {
		return fixed.UFixed6{}, fmt.Errorf("synbook: spread: %w", err)
	}
	return out, nil
}

// Rate returns the marginal fee rate at the book side latest, truncated to six
// places. It is informational; Compute integrates the exact curve.
func (c Curve) Rate(latest fixed.Fixed6) (fixed.UFixed6, error) {
	if err := c.Validate(); err != nil {
		return fixed.UFixed6{}, err
	}
	x := latest.Decimal().Abs()
	s := c.Scale.Decimal()

	// rate·scale³ = d0·s³ + d1·x·s² + d2·x²·s + d3·x³
	sum := decimal.Zero
	for i, coeff := range c.coefficients() {
		sum = sum.Add(coeff.Mul(ipow(x, i)).Mul(ipow(s, 3-i)))
	}
	rate, _ := sum.QuoRem(ipow(s, 3), fixed.Precision)
	return fixed.FromDecimal(rate)
}

// ipow returns x^n by repeated multiplication, with x^0 = 1 for every x.
func ipow(x decimal.Decimal, n int) decimal.Decimal {
	out := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		out = out.Mul(x)
	}
	return out
}

// power returns the odd extension x^n for even n (x^(n-1)·|x|) and x^n for odd
// n, so that bids integrate the mirror image of the ask curve.
func power(x decimal.Decimal, n int) decimal.Decimal {
	out := ipow(x, n-1)
	if n%2 == 0 {
		return out.Mul(x.Abs())
	}
	return out.Mul(x)
}
