// Package model defines the core domain types shared across the perp engine.
// All monetary values use the checked fixed-point types in internal/fixed,
// never float64 for money.
package model

import (
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/synbook"
)

// Market statuses.
const (
	StatusOpen   = "open"
	StatusHalted = "halted"
)

// ValidStatus reports whether s is a known market status.
func ValidStatus(s string) bool {
	return s == StatusOpen || s == StatusHalted
}

// Limits are per-market overrides of the engine-wide position limits. A zero
// field falls back to the engine default.
type Limits struct {
	MakerLimit        fixed.UFixed6 `json:"maker_limit"`
	EfficiencyLimit   fixed.UFixed6 `json:"efficiency_limit"`
	MaxCorrelatedSkew fixed.UFixed6 `json:"max_correlated_skew"`
}

// Market is the checkpointed state of one perpetual market. Position and
// Orderbook advance exactly once per settlement version.
type Market struct {
	ID        string             `json:"id" db:"id"`
	Ticker    string             `json:"ticker" db:"ticker"`
	Base      string             `json:"base" db:"base"`
	Quote     string             `json:"quote" db:"quote"`
	Curve     synbook.Curve      `json:"curve" db:"curve"`
	Limits    Limits             `json:"limits" db:"limits"`
	Position  matching.Position  `json:"position"`
	Orderbook matching.Orderbook `json:"orderbook"`
	Version   uint64             `json:"version" db:"version"`
	Status    string             `json:"status" db:"status"` // "open", "halted"
	CreatedAt time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// Settlement is an immutable record of one settled version of a market.
// Once created, these are never modified or deleted.
type Settlement struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Version   uint64          `json:"version" db:"version"`
	Order     matching.Order  `json:"order" db:"order"`
	Price     fixed.Fixed6    `json:"price" db:"price"`
	Result    matching.Result `json:"result" db:"result"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// MarketExposure is a read view of a market's current risk.
type MarketExposure struct {
	MarketID  string             `json:"market_id"`
	Ticker    string             `json:"ticker"`
	Version   uint64             `json:"version"`
	Skew      fixed.Fixed6       `json:"skew"`
	Exposure  matching.Exposure  `json:"exposure"`
	Orderbook matching.Orderbook `json:"orderbook"`
	AskRate   fixed.UFixed6      `json:"ask_rate"` // marginal fee rate at the ask
	BidRate   fixed.UFixed6      `json:"bid_rate"`
}
