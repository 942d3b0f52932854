package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/model"
)

// marketRow is a market as the SQL stores read and write it: fixed-point
// columns as decimal text and nested parameters as JSON.
type marketRow struct {
	id, ticker, base, quote string
	curve, limits           string
	maker, long, short      string
	midpoint, ask, bid      string
	version                 int64
	status                  string
	createdAt, updatedAt    time.Time
}

func newMarketRow(m *model.Market) (marketRow, error) {
	curve, err := json.Marshal(m.Curve)
	if err != nil {
		return marketRow{}, fmt.Errorf("encode curve: %w", err)
	}
	limits, err := json.Marshal(m.Limits)
	if err != nil {
		return marketRow{}, fmt.Errorf("encode limits: %w", err)
	}
	return marketRow{
		id: m.ID, ticker: m.Ticker, base: m.Base, quote: m.Quote,
		curve: string(curve), limits: string(limits),
		maker: m.Position.Maker.String(), long: m.Position.Long.String(), short: m.Position.Short.String(),
		midpoint: m.Orderbook.Midpoint.String(), ask: m.Orderbook.Ask.String(), bid: m.Orderbook.Bid.String(),
		version:   int64(m.Version),
		status:    m.Status,
		createdAt: m.CreatedAt,
		updatedAt: m.UpdatedAt,
	}, nil
}

// dest returns scan targets in marketColumns order.
func (r *marketRow) dest() []any {
	return []any{
		&r.id, &r.ticker, &r.base, &r.quote,
		&r.curve, &r.limits,
		&r.maker, &r.long, &r.short,
		&r.midpoint, &r.ask, &r.bid,
		&r.version, &r.status, &r.createdAt, &r.updatedAt,
	}
}

func (r *marketRow) market() (*model.Market, error) {
	m := &model.Market{
		ID:        r.id,
		Ticker:    r.ticker,
		Base:      r.base,
		Quote:     r.quote,
		Version:   uint64(r.version),
		Status:    r.status,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if err := json.Unmarshal([]byte(r.curve), &m.Curve); err != nil {
		return nil, fmt.Errorf("market %s: decode curve: %w", r.id, err)
	}
	if err := json.Unmarshal([]byte(r.limits), &m.Limits); err != nil {
		return nil, fmt.Errorf("market %s: decode limits: %w", r.id, err)
	}

	var err error
	if m.Position, err = parsePosition(r.maker, r.long, r.short); err != nil {
		return nil, fmt.Errorf("market %s: %w", r.id, err)
	}
	if m.Orderbook, err = parseOrderbook(r.midpoint, r.ask, r.bid); err != nil {
		return nil, fmt.Errorf("market %s: %w", r.id, err)
	}
	return m, nil
}

func parsePosition(maker, long, short string) (matching.Position, error) {
	var p matching.Position
	var err error
	if p.Maker, err = fixed.ParseU(maker); err != nil {
		return p, err
	}
	if p.Long, err = fixed.ParseU(long); err != nil {
		return p, err
	}
	if p.Short, err = fixed.ParseU(short); err != nil {
		return p, err
	}
	return p, nil
}

func parseOrderbook(midpoint, ask, bid string) (matching.Orderbook, error) {
	var b matching.Orderbook
	var err error
	if b.Midpoint, err = fixed.Parse(midpoint); err != nil {
		return b, err
	}
	if b.Ask, err = fixed.Parse(ask); err != nil {
		return b, err
	}
	if b.Bid, err = fixed.Parse(bid); err != nil {
		return b, err
	}
	return b, nil
}

// settlementRow is a settlement as the SQL stores read and write it.
type settlementRow struct {
	id, marketID  string
	version       int64
	order, result string
	price         string
	timestamp     time.Time
}

func newSettlementRow(s *model.Settlement) (settlementRow, error) {
	order, err := json.Marshal(s.Order)
	if err != nil {
		return settlementRow{}, fmt.Errorf("encode order: %w", err)
	}
	result, err := json.Marshal(s.Result)
	if err != nil {
		return settlementRow{}, fmt.Errorf("encode result: %w", err)
	}
	return settlementRow{
		id:        s.ID,
		marketID:  s.MarketID,
		version:   int64(s.Version),
		order:     string(order),
		result:    string(result),
		price:     s.Price.String(),
		timestamp: s.Timestamp,
	}, nil
}

// dest returns scan targets in settlementColumns order.
func (r *settlementRow) dest() []any {
	return []any{&r.id, &r.marketID, &r.version, &r.order, &r.price, &r.result, &r.timestamp}
}

func (r *settlementRow) settlement() (*model.Settlement, error) {
	s := &model.Settlement{
		ID:        r.id,
		MarketID:  r.marketID,
		Version:   uint64(r.version),
		Timestamp: r.timestamp,
	}
	if err := json.Unmarshal([]byte(r.order), &s.Order); err != nil {
		return nil, fmt.Errorf("settlement %s: decode order: %w", r.id, err)
	}
	if err := json.Unmarshal([]byte(r.result), &s.Result); err != nil {
		return nil, fmt.Errorf("settlement %s: decode result: %w", r.id, err)
	}
	var err error
	if s.Price, err = fixed.Parse(r.price); err != nil {
		return nil, fmt.Errorf("settlement %s: %w", r.id, err)
	}
	return s, nil
}

// rowScanner is satisfied by pgx.Rows and *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanMarkets(rows rowScanner) ([]model.Market, error) {
	var markets []model.Market
	for rows.Next() {
		var r marketRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		m, err := r.market()
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanSettlements(rows rowScanner) ([]model.Settlement, error) {
	var settlements []model.Settlement
	for rows.Next() {
		var r settlementRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		s, err := r.settlement()
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *s)
	}
	return settlements, rows.Err()
}
