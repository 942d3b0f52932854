package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/synbook"
)

func testMarket(id, ticker string) *model.Market {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.Market{
		ID:     id,
		Ticker: ticker,
		Base:   "ETH",
		Quote:  "USD",
		Curve: synbook.Curve{
			D0:    fixed.MustParseU("0.001"),
			D1:    fixed.MustParseU("0.002"),
			D2:    fixed.MustParseU("0.004"),
			D3:    fixed.MustParseU("0.008"),
			Scale: fixed.MustParseU("100"),
		},
		Limits: model.Limits{MakerLimit: fixed.MustParseU("1000")},
		Position: matching.Position{
			Maker: fixed.MustParseU("10"),
			Long:  fixed.MustParseU("12"),
			Short: fixed.MustParseU("4"),
		},
		Orderbook: matching.Orderbook{Midpoint: fixed.One, Ask: fixed.New(2), Bid: fixed.New(-3)},
		Status:    model.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testSettlement(marketID string, version uint64) *model.Settlement {
	return &model.Settlement{
		ID:       fmt.Sprintf("%s-s%d", marketID, version),
		MarketID: marketID,
		Version:  version,
		Order:    matching.Order{MakerNeg: fixed.MustParseU("2")},
		Price:    fixed.New(123),
		Result: matching.Result{
			Total: matching.FillResult{SpreadPos: fixed.MustParseU("0.003335")},
			Position: matching.Position{
				Maker: fixed.MustParseU("8"),
				Long:  fixed.MustParseU("12"),
				Short: fixed.MustParseU("4"),
			},
			Orderbook: matching.Orderbook{Midpoint: fixed.One, Ask: fixed.MustParse("3.6"), Bid: fixed.New(-3)},
		},
		Timestamp: time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC),
	}
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))

		m, err := st.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "PERP-ETH-USD", m.Ticker)
		assert.Equal(t, "10.000000", m.Position.Maker.String())
		assert.Equal(t, "-3.000000", m.Orderbook.Bid.String())
		assert.Equal(t, "0.008000", m.Curve.D3.String())
		assert.Equal(t, "1000.000000", m.Limits.MakerLimit.String())
		assert.Equal(t, uint64(0), m.Version)

		byTicker, err := st.GetMarketByTicker(ctx, "PERP-ETH-USD")
		require.NoError(t, err)
		assert.Equal(t, "m1", byTicker.ID)
	})

	t.Run("not found", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetMarket(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.GetMarketByTicker(ctx, "PERP-XXX-USD")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = st.GetSettlement(ctx, "missing", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, st.UpdateMarketStatus(ctx, "missing", model.StatusHalted), ErrNotFound)
	})

	t.Run("duplicate ticker", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))
		err := st.CreateMarket(ctx, testMarket("m2", "PERP-ETH-USD"))
		assert.ErrorIs(t, err, ErrDuplicate)
	})

	t.Run("rejects too wide position", func(t *testing.T) {
		st := newStore(t)
		m := testMarket("m1", "PERP-ETH-USD")
		m.Position.Long = fixed.MustParseU("18446744073709.551616")
		assert.ErrorIs(t, st.CreateMarket(ctx, m), fixed.ErrRange)
	})

	t.Run("list sorted by ticker", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m2", "PERP-SOL-USD")))
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-BTC-USD")))

		markets, err := st.ListMarkets(ctx)
		require.NoError(t, err)
		require.Len(t, markets, 2)
		assert.Equal(t, "PERP-BTC-USD", markets[0].Ticker)
		assert.Equal(t, "PERP-SOL-USD", markets[1].Ticker)
	})

	t.Run("update status", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))
		require.NoError(t, st.UpdateMarketStatus(ctx, "m1", model.StatusHalted))

		m, err := st.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusHalted, m.Status)
	})

	t.Run("commit advances checkpoint", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))
		require.NoError(t, st.CommitSettlement(ctx, testSettlement("m1", 1)))

		m, err := st.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), m.Version)
		assert.Equal(t, "8.000000", m.Position.Maker.String())
		assert.Equal(t, "3.600000", m.Orderbook.Ask.String())

		s, err := st.GetSettlement(ctx, "m1", 1)
		require.NoError(t, err)
		assert.Equal(t, "2.000000", s.Order.MakerNeg.String())
		assert.Equal(t, "123.000000", s.Price.String())
		assert.Equal(t, "0.003335", s.Result.Total.SpreadPos.String())

		require.NoError(t, st.CommitSettlement(ctx, testSettlement("m1", 2)))
		list, err := st.GetSettlementsByMarket(ctx, "m1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, uint64(1), list[0].Version)
		assert.Equal(t, uint64(2), list[1].Version)
	})

	t.Run("commit version conflict", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))

		assert.ErrorIs(t, st.CommitSettlement(ctx, testSettlement("m1", 2)), ErrVersionConflict)
		require.NoError(t, st.CommitSettlement(ctx, testSettlement("m1", 1)))
		assert.ErrorIs(t, st.CommitSettlement(ctx, testSettlement("m1", 1)), ErrVersionConflict)
		assert.ErrorIs(t, st.CommitSettlement(ctx, testSettlement("m1", 0)), ErrVersionConflict)

		// the failed commits left no trace
		m, err := st.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), m.Version)
		list, err := st.GetSettlementsByMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("commit unknown market", func(t *testing.T) {
		st := newStore(t)
		assert.ErrorIs(t, st.CommitSettlement(ctx, testSettlement("missing", 1)), ErrNotFound)
	})

	t.Run("commit rejects too wide result", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))
		s := testSettlement("m1", 1)
		s.Result.Orderbook.Ask = fixed.MustParse("9223372036854.775808")
		assert.ErrorIs(t, st.CommitSettlement(ctx, s), fixed.ErrRange)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.CreateMarket(ctx, testMarket("m1", "PERP-ETH-USD")))

	m, err := st.GetMarket(ctx, "m1")
	require.NoError(t, err)
	m.Status = model.StatusHalted

	again, err := st.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, again.Status)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		st, err := NewSQLiteStore(context.Background(), ":memory:")
		if err != nil && strings.Contains(err.Error(), "CGO_ENABLED=0") {
			t.Skip("sqlite3 requires cgo")
		}
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return st
	})
}
