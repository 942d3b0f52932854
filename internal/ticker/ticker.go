// Package ticker parses and validates perpetual market tickers.
package ticker

import (
	"errors"
	"fmt"
	"regexp"
)

// Prefix is the leading segment shared by every perpetual ticker.
const Prefix = "PERP"

// tickerRegex matches: PERP-{base}-{quote}
// Example: PERP-ETH-USD
var tickerRegex = regexp.MustCompile(`^PERP-([A-Z0-9]{2,10})-([A-Z]{3,5})$`)

var (
	ErrInvalidTicker = errors.New("ticker: invalid ticker format")
	ErrSameAsset     = errors.New("ticker: base and quote must differ")
)

// Ticker is a parsed market ticker.
type Ticker struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse parses and validates a ticker string.
// Format: PERP-{base}-{quote}
func Parse(symbol string) (*Ticker, error) {
	matches := tickerRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PERP-{base}-{quote})", ErrInvalidTicker, symbol)
	}

	base, quote := matches[1], matches[2]
	if base == quote {
		return nil, fmt.Errorf("%w: %s", ErrSameAsset, symbol)
	}

	return &Ticker{Symbol: symbol, Base: base, Quote: quote}, nil
}

// Format builds the ticker symbol for base and quote.
func Format(base, quote string) string {
	return Prefix + "-" + base + "-" + quote
}

func (t Ticker) String() string { return t.Symbol }
