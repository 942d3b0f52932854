// Package limits enforces position limits on settled markets.
//
// Two limits bound a single market: a cap on total maker size, and a minimum
// efficiency (maker / major side) that orders reducing efficiency may not
// breach. A third limit treats markets that track the same base asset as
// correlated and caps their aggregate absolute skew.
package limits

import (
	"errors"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrMakerLimitExceeded is returned when a maker open would push total
	// maker size beyond the market's maker limit.
	ErrMakerLimitExceeded = errors.New("limits: maker limit exceeded")

	// ErrEfficiencyExceeded is returned when an order that reduces efficiency
	// leaves maker / major below the efficiency limit.
	ErrEfficiencyExceeded = errors.New("limits: efficiency limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when the aggregate absolute skew
	// across markets sharing a base asset would exceed the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated skew limit exceeded")
)

// PositionLimiter holds the engine-wide default limits. A zero limit is
// disabled. Markets may override any limit through model.Limits.
type PositionLimiter struct {
	// MakerLimit is the maximum total maker size of a market.
	MakerLimit fixed.UFixed6

	// EfficiencyLimit is the minimum maker / major ratio an efficiency
	// reducing order must preserve.
	EfficiencyLimit fixed.UFixed6

	// MaxCorrelatedSkew is the maximum sum of |skew| across markets with
	// the same base asset.
	MaxCorrelatedSkew fixed.UFixed6
}

// NewPositionLimiter creates a limiter with the given defaults.
func NewPositionLimiter(makerLimit, efficiencyLimit, maxCorrelatedSkew fixed.UFixed6) *PositionLimiter {
	return &PositionLimiter{
		MakerLimit:        makerLimit,
		EfficiencyLimit:   efficiencyLimit,
		MaxCorrelatedSkew: maxCorrelatedSkew,
	}
}

// Effective merges a market's overrides over the defaults.
func (l *PositionLimiter) Effective(override model.Limits) model.Limits {
	out := model.Limits{
		MakerLimit:        l.MakerLimit,
		EfficiencyLimit:   l.EfficiencyLimit,
		MaxCorrelatedSkew: l.MaxCorrelatedSkew,
	}
	if !override.MakerLimit.IsZero() {
		out.MakerLimit = override.MakerLimit
	}
	if !override.EfficiencyLimit.IsZero() {
		out.EfficiencyLimit = override.EfficiencyLimit
	}
	if !override.MaxCorrelatedSkew.IsZero() {
		out.MaxCorrelatedSkew = override.MaxCorrelatedSkew
	}
	return out
}

// CheckLimit validates the position a market reaches after order.
//
// Parameters:
//   - limits: the market's effective limits
//   - order: the settled order
//   - after: the position after the whole order
//
// Returns nil if the order is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(limits model.Limits, order matching.Order, after matching.Position) (err error) {
	defer fixed.Recover(&err)

	// 1. Maker limit, only when maker grows.
	if !order.MakerPos.IsZero() && !limits.MakerLimit.IsZero() &&
		after.Maker.GreaterThan(limits.MakerLimit) {
		return ErrMakerLimitExceeded
	}

	// 2. Efficiency: maker closes and taker opens draw maker capacity.
	reducesEfficiency := !order.MakerNeg.IsZero() || !order.LongPos.IsZero() || !order.ShortPos.IsZero()
	if reducesEfficiency && !limits.EfficiencyLimit.IsZero() {
		major := after.Major()
		if !major.IsZero() && after.Maker.LessThan(major.Mul(limits.EfficiencyLimit)) {
			return ErrEfficiencyExceeded
		}
	}

	return nil
}

// MarketSkew is the skew of one market and the base asset it tracks.
type MarketSkew struct {
	MarketID string
	Base     string
	Skew     fixed.Fixed6
}

// CheckCorrelated validates the aggregate absolute skew of target's base
// asset. existing holds the current skew of every market; target's own entry
// is replaced by target.
func (l *PositionLimiter) CheckCorrelated(limits model.Limits, target MarketSkew, existing []MarketSkew) (err error) {
	if limits.MaxCorrelatedSkew.IsZero() {
		return nil
	}
	defer fixed.Recover(&err)

	total := target.Skew.Abs()
	for _, m := range existing {
		if m.MarketID == target.MarketID {
			continue // already counted via target above
		}
		if m.Base == target.Base {
			total = total.Add(m.Skew.Abs())
		}
	}

	if total.GreaterThan(limits.MaxCorrelatedSkew) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
