package settlement_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/settlement"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/synbook"
)

func u(s string) fixed.UFixed6 { return fixed.MustParseU(s) }

func testCurve() synbook.Curve {
	return synbook.Curve{D0: u("0.001"), D1: u("0.002"), D2: u("0.004"), D3: u("0.008"), Scale: u("100")}
}

// fullOrder exercises every phase of execution.
func fullOrder() matching.Order {
	return matching.Order{
		MakerPos: u("3"), MakerNeg: u("2"),
		LongPos: u("4"), LongNeg: u("1"),
		ShortPos: u("2"), ShortNeg: u("1"),
	}
}

// newTestEnv creates a test Service with the given store and a chi router.
func newTestEnv(t *testing.T, st store.Store, limiter *limits.PositionLimiter) (*settlement.Service, chi.Router) {
	t.Helper()
	if limiter == nil {
		limiter = limits.NewPositionLimiter(u("1000"), u("0.5"), fixed.UFixed6{})
	}
	svc := settlement.NewService(st, limiter, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r, nil) })
	return svc, r
}

// seedMarket creates a test market directly in the store.
func seedMarket(t *testing.T, st store.Store, id, ticker, base string, p matching.Position) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	market := &model.Market{
		ID:        id,
		Ticker:    ticker,
		Base:      base,
		Quote:     "USD",
		Curve:     testCurve(),
		Position:  p,
		Status:    model.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateMarket(context.Background(), market); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return market
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func settleBody(version uint64, o matching.Order, price string) map[string]any {
	return map[string]any{"version": version, "order": o, "price": price}
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) settlement.SettleResult {
	t.Helper()
	var res settlement.SettleResult
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

// --- Market tests ---

func TestCreateMarket_Valid(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)

	w := do(t, router, "POST", "/api/v1/markets", settlement.CreateMarketRequest{
		Ticker: "PERP-ETH-USD",
		Curve:  testCurve(),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var market model.Market
	json.NewDecoder(w.Body).Decode(&market)
	if market.ID == "" {
		t.Error("expected generated market ID")
	}
	if market.Base != "ETH" || market.Quote != "USD" {
		t.Errorf("expected ETH/USD, got %s/%s", market.Base, market.Quote)
	}
	if market.Version != 0 || market.Status != model.StatusOpen {
		t.Errorf("expected open market at version 0, got %s at %d", market.Status, market.Version)
	}

	if _, err := ms.GetMarketByTicker(context.Background(), "PERP-ETH-USD"); err != nil {
		t.Errorf("market not stored: %v", err)
	}
}

func TestCreateMarket_InvalidTicker(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	w := do(t, router, "POST", "/api/v1/markets", settlement.CreateMarketRequest{
		Ticker: "ETH-USD",
		Curve:  testCurve(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateMarket_ZeroScale(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)

	w := do(t, router, "POST", "/api/v1/markets", settlement.CreateMarketRequest{
		Ticker: "PERP-ETH-USD",
		Curve:  synbook.Curve{D0: u("0.001")},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestCreateMarket_DuplicateTicker(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	req := settlement.CreateMarketRequest{Ticker: "PERP-ETH-USD", Curve: testCurve()}

	if w := do(t, router, "POST", "/api/v1/markets", req); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := do(t, router, "POST", "/api/v1/markets", req); w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestListMarkets_FilterByBase(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "eth", "PERP-ETH-USD", "ETH", matching.Position{})
	seedMarket(t, ms, "btc", "PERP-BTC-USD", "BTC", matching.Position{})

	w := do(t, router, "GET", "/api/v1/markets?base=BTC", nil)
	var markets []model.Market
	json.NewDecoder(w.Body).Decode(&markets)
	if len(markets) != 1 || markets[0].ID != "btc" {
		t.Errorf("expected only btc market, got %+v", markets)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	if w := do(t, router, "GET", "/api/v1/markets/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestExposure(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	w := do(t, router, "GET", "/api/v1/markets/m1/exposure", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var view model.MarketExposure
	json.NewDecoder(w.Body).Decode(&view)
	if view.Skew.String() != "8.000000" {
		t.Errorf("expected skew 8, got %s", view.Skew)
	}
	if got := view.Exposure.String(); got != "{maker: -8.000000, long: 12.000000, short: -4.000000}" {
		t.Errorf("unexpected exposure %s", got)
	}
	if view.AskRate.String() != "0.001000" || view.BidRate.String() != "0.001000" {
		t.Errorf("expected base rate at an empty book, got %s / %s", view.AskRate, view.BidRate)
	}
}

func TestSetStatus_HaltRejectsSettlement(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10")})

	w := do(t, router, "POST", "/api/v1/markets/m1/status", map[string]string{"status": model.StatusHalted})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(1, matching.Order{LongPos: u("1")}, "100"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for halted market, got %d", w.Code)
	}

	if w := do(t, router, "POST", "/api/v1/markets/m1/status", map[string]string{"status": "paused"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
}

// --- Settlement tests ---

func TestSettle_AllPhases(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	w := do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(1, fullOrder(), "2500"))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	res := decodeResult(t, w)
	if res.Replayed {
		t.Error("expected a new settlement")
	}
	st := res.Settlement
	if st.Version != 1 || st.MarketID != "m1" {
		t.Errorf("unexpected settlement %s v%d", st.MarketID, st.Version)
	}
	if got := st.Result.Total.SpreadPos.String(); got != "0.443057" {
		t.Errorf("expected spread_pos 0.443057, got %s", got)
	}
	if got := st.Result.Total.SpreadNeg.String(); got != "0.435808" {
		t.Errorf("expected spread_neg 0.435808, got %s", got)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Version != 1 {
		t.Errorf("expected market version 1, got %d", m.Version)
	}
	if got := m.Position.String(); got != "{maker: 11.000000, long: 15.000000, short: 5.000000}" {
		t.Errorf("unexpected position %s", got)
	}
	if m.Orderbook.Ask.String() != "5.350000" || m.Orderbook.Bid.String() != "-5.727273" {
		t.Errorf("unexpected orderbook %s", m.Orderbook)
	}
}

func TestSettle_OrderbookCarriesAcrossVersions(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("5"), Short: u("5")})

	for v := uint64(1); v <= 2; v++ {
		w := do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(v, matching.Order{LongPos: u("1")}, "100"))
		if w.Code != http.StatusCreated {
			t.Fatalf("version %d: expected 201, got %d: %s", v, w.Code, w.Body.String())
		}
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Version != 2 || m.Position.Long.String() != "7.000000" {
		t.Errorf("expected version 2 with long 7, got v%d %s", m.Version, m.Position)
	}
	if m.Orderbook.Ask.Sign() <= 0 {
		t.Errorf("expected the ask to accumulate, got %s", m.Orderbook)
	}
}

func TestSettle_ReplayReturnsStored(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	body := settleBody(1, fullOrder(), "2500")
	first := decodeResult(t, do(t, router, "POST", "/api/v1/markets/m1/settle", body))

	w := do(t, router, "POST", "/api/v1/markets/m1/settle", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d: %s", w.Code, w.Body.String())
	}
	replay := decodeResult(t, w)
	if !replay.Replayed || replay.Settlement.ID != first.Settlement.ID {
		t.Errorf("expected replay of %s, got %+v", first.Settlement.ID, replay)
	}

	settlements, _ := ms.GetSettlementsByMarket(context.Background(), "m1")
	if len(settlements) != 1 {
		t.Errorf("expected 1 settlement, got %d", len(settlements))
	}
}

func TestSettle_ReplayWithDifferentOrderConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(1, fullOrder(), "2500"))

	w := do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(1, fullOrder(), "2501"))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestSettle_VersionChecks(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10")})

	tests := []struct {
		name    string
		version uint64
		want    int
	}{
		{"zero", 0, http.StatusBadRequest},
		{"gap", 2, http.StatusConflict},
		{"next", 1, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(tt.version, matching.Order{}, "100"))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestSettle_Failures(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	tests := []struct {
		name   string
		market string
		order  matching.Order
		want   int
	}{
		{"unknown market", "missing", matching.Order{}, http.StatusNotFound},
		{"maker underflow", "m1", matching.Order{MakerNeg: u("11")}, http.StatusUnprocessableEntity},
		{"order too wide", "m1", matching.Order{LongPos: u("18446744073709.551616")}, http.StatusBadRequest},
		{"maker limit", "m1", matching.Order{MakerPos: u("991")}, http.StatusConflict},
		{"efficiency", "m1", matching.Order{MakerNeg: u("5")}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/markets/"+tt.market+"/settle", settleBody(1, tt.order, "100"))
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Version != 0 {
		t.Errorf("failed settlements must not advance the market, got version %d", m.Version)
	}
}

func TestSettle_CorrelatedLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	limiter := limits.NewPositionLimiter(fixed.UFixed6{}, fixed.UFixed6{}, u("10"))
	_, router := newTestEnv(t, ms, limiter)
	seedMarket(t, ms, "eth-usd", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})
	seedMarket(t, ms, "eth-eur", "PERP-ETH-EUR", "ETH", matching.Position{Maker: u("10"), Long: u("5"), Short: u("5")})
	seedMarket(t, ms, "btc-usd", "PERP-BTC-USD", "BTC", matching.Position{Maker: u("10"), Long: u("50"), Short: u("0")})

	// 8 + 3 > 10
	w := do(t, router, "POST", "/api/v1/markets/eth-eur/settle", settleBody(1, matching.Order{LongPos: u("3")}, "100"))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// 8 + 2 == 10
	w = do(t, router, "POST", "/api/v1/markets/eth-eur/settle", settleBody(1, matching.Order{LongPos: u("2")}, "100"))
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPreview_DoesNotCommit(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("12"), Short: u("4")})

	w := do(t, router, "POST", "/api/v1/markets/m1/preview", settleBody(0, fullOrder(), "2500"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result matching.Result
	json.NewDecoder(w.Body).Decode(&result)
	if result.Total.SpreadMaker.String() != "0.351418" {
		t.Errorf("expected spread_maker 0.351418, got %s", result.Total.SpreadMaker)
	}

	m, _ := ms.GetMarket(context.Background(), "m1")
	if m.Version != 0 || m.Position.Long.String() != "12.000000" {
		t.Errorf("preview changed the market: v%d %s", m.Version, m.Position)
	}
}

func TestSettlementHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("5"), Short: u("5")})

	do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(1, matching.Order{LongPos: u("2")}, "100"))
	do(t, router, "POST", "/api/v1/markets/m1/settle", settleBody(2, matching.Order{ShortPos: u("2")}, "100"))

	w := do(t, router, "GET", "/api/v1/markets/m1/settlements", nil)
	var all []model.Settlement
	json.NewDecoder(w.Body).Decode(&all)
	if len(all) != 2 || all[0].Version != 1 || all[1].Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %+v", all)
	}

	w = do(t, router, "GET", "/api/v1/markets/m1/settlements/2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st model.Settlement
	json.NewDecoder(w.Body).Decode(&st)
	if st.Order.ShortPos.String() != "2.000000" {
		t.Errorf("expected version 2 order, got %s", st.Order)
	}

	if w := do(t, router, "GET", "/api/v1/markets/m1/settlements/3", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/markets/m1/settlements/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if w := do(t, router, "GET", "/api/v1/markets/missing/settlements", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSettleBatch(t *testing.T) {
	ms := store.NewMemoryStore()
	_, router := newTestEnv(t, ms, nil)
	seedMarket(t, ms, "a", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10"), Long: u("5"), Short: u("5")})
	seedMarket(t, ms, "b", "PERP-BTC-USD", "BTC", matching.Position{Maker: u("10"), Long: u("5"), Short: u("5")})

	order := matching.Order{LongPos: u("1")}
	w := do(t, router, "POST", "/api/v1/settle", map[string]any{
		"settlements": []settlement.SettleRequest{
			{MarketID: "a", Version: 2, Order: order, Price: fixed.New(100)},
			{MarketID: "b", Version: 1, Order: order, Price: fixed.New(100)},
			{MarketID: "a", Version: 1, Order: order, Price: fixed.New(100)},
			{MarketID: "missing", Version: 1, Order: order, Price: fixed.New(100)},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Results []settlement.BatchItem `json:"results"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(resp.Results))
	}
	for i, item := range resp.Results[:3] {
		if item.Error != "" || item.Settlement == nil {
			t.Errorf("item %d: expected success, got %q", i, item.Error)
		}
	}
	if resp.Results[3].Error == "" {
		t.Error("expected an error for the unknown market")
	}

	m, _ := ms.GetMarket(context.Background(), "a")
	if m.Version != 2 {
		t.Errorf("expected market a at version 2, got %d", m.Version)
	}
}

func TestSettleBatch_Empty(t *testing.T) {
	_, router := newTestEnv(t, store.NewMemoryStore(), nil)
	w := do(t, router, "POST", "/api/v1/settle", map[string]any{"settlements": []any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Commit resilience ---

var errTransient = errors.New("connection reset")

// flakyStore fails the first failures commits. With commitFirst set, the
// commit is applied before the failure is reported, as with a lost ack.
type flakyStore struct {
	store.Store
	failures    int32
	commitFirst bool
	calls       atomic.Int32
}

func (s *flakyStore) CommitSettlement(ctx context.Context, st *model.Settlement) error {
	n := s.calls.Add(1)
	if n > s.failures {
		return s.Store.CommitSettlement(ctx, st)
	}
	if s.commitFirst {
		if err := s.Store.CommitSettlement(ctx, st); err != nil {
			return err
		}
	}
	return errTransient
}

func TestSettle_RetriesTransientCommit(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore(), failures: 2}
	svc, _ := newTestEnv(t, fs, nil)
	seedMarket(t, fs, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10")})

	res, err := svc.Settle(context.Background(), settlement.SettleRequest{
		MarketID: "m1", Version: 1, Order: matching.Order{LongPos: u("1")}, Price: fixed.New(100),
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if res.Settlement.Version != 1 {
		t.Errorf("expected version 1, got %d", res.Settlement.Version)
	}
	if got := fs.calls.Load(); got != 3 {
		t.Errorf("expected 3 commit attempts, got %d", got)
	}
}

func TestSettle_LostAckIsCommitted(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore(), failures: 1, commitFirst: true}
	svc, _ := newTestEnv(t, fs, nil)
	seedMarket(t, fs, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10")})

	res, err := svc.Settle(context.Background(), settlement.SettleRequest{
		MarketID: "m1", Version: 1, Order: matching.Order{LongPos: u("1")}, Price: fixed.New(100),
	})
	if err != nil {
		t.Fatalf("expected the first attempt to count, got %v", err)
	}

	stored, err := fs.GetSettlement(context.Background(), "m1", 1)
	if err != nil || stored.ID != res.Settlement.ID {
		t.Errorf("expected stored settlement %s, got %v (%v)", res.Settlement.ID, stored, err)
	}
}

func TestSettle_DomainErrorsNotRetried(t *testing.T) {
	fs := &flakyStore{Store: store.NewMemoryStore()}
	svc, _ := newTestEnv(t, fs, nil)
	seedMarket(t, fs, "m1", "PERP-ETH-USD", "ETH", matching.Position{Maker: u("10")})

	_, err := svc.Settle(context.Background(), settlement.SettleRequest{
		MarketID: "m1", Version: 1, Order: matching.Order{MakerNeg: u("11")}, Price: fixed.New(100),
	})
	if !errors.Is(err, fixed.ErrRange) {
		t.Errorf("expected range error, got %v", err)
	}
	if got := fs.calls.Load(); got != 0 {
		t.Errorf("expected no commit attempts, got %d", got)
	}
}

// --- Rate limiting ---

func TestRateLimit(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := settlement.NewService(ms, limits.NewPositionLimiter(u("1000"), u("0.5"), fixed.UFixed6{}), nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r, settlement.RateLimit(0.001, 1)) })

	req := settlement.CreateMarketRequest{Ticker: "PERP-ETH-USD", Curve: testCurve()}
	if w := do(t, r, "POST", "/api/v1/markets", req); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	req.Ticker = "PERP-BTC-USD"
	w := do(t, r, "POST", "/api/v1/markets", req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}

	// Reads are not throttled.
	if w := do(t, r, "GET", "/api/v1/markets", nil); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
