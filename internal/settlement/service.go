// Package settlement provides the HTTP handlers and business logic for
// creating markets and settling their per-period orders against the
// matching core.
//
// Each market advances one version per settlement. Settlements of one
// market are serialized; different markets settle in parallel.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/matching"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/synbook"
	"github.com/atmx/perp-engine/internal/ticker"
)

var (
	// ErrInvalidRequest is returned for malformed settlement or market requests.
	ErrInvalidRequest = errors.New("settlement: invalid request")

	// ErrMarketHalted is returned when settling a market that is not open.
	ErrMarketHalted = errors.New("settlement: market is halted")
)

// MaxBatchSize bounds the number of settlements in one SettleBatch call.
const MaxBatchSize = 256

// Service settles markets. A keyed mutex serializes settlement per market;
// store commits are additionally guarded by the optimistic version check, so
// several instances may share one PostgreSQL store.
type Service struct {
	store   store.Store
	limiter *limits.PositionLimiter
	hub     *WSHub // optional WebSocket hub for real-time broadcasts
	locks   *marketLocks
	commit  failsafe.Executor[any]

	batchParallelism int
	now              func() time.Time
}

// NewService creates a new settlement service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, limiter *limits.PositionLimiter, hub *WSHub) *Service {
	return &Service{
		store:            st,
		limiter:          limiter,
		hub:              hub,
		locks:            newMarketLocks(),
		commit:           newCommitExecutor(),
		batchParallelism: 8,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// newCommitExecutor retries transient store failures and opens a breaker
// when the store keeps failing. Domain errors are never retried.
func newCommitExecutor() failsafe.Executor[any] {
	retryPolicy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isTransient(err) }).
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(3).
		OnRetry(func(failsafe.ExecutionEvent[any]) { metrics.CommitRetries.Inc() }).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isTransient(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		Build()

	return failsafe.With[any](retryPolicy, breaker)
}

// isTransient reports whether err may succeed on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	for _, permanent := range []error{
		store.ErrNotFound,
		store.ErrDuplicate,
		store.ErrVersionConflict,
		fixed.ErrRange,
		context.Canceled,
		context.DeadlineExceeded,
		circuitbreaker.ErrOpen,
	} {
		if errors.Is(err, permanent) {
			return false
		}
	}
	return true
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	Ticker string        `json:"ticker"` // PERP-{base}-{quote}
	Curve  synbook.Curve `json:"curve"`
	Limits model.Limits  `json:"limits"` // zero fields use engine defaults
}

// SettleRequest settles one version of a market.
type SettleRequest struct {
	MarketID string         `json:"market_id"`
	Version  uint64         `json:"version"`
	Order    matching.Order `json:"order"`
	Price    fixed.Fixed6   `json:"price"`
}

// SettleResult is the committed settlement. Replayed is set when the request
// repeated an already committed version and nothing was written.
type SettleResult struct {
	Settlement model.Settlement `json:"settlement"`
	Replayed   bool             `json:"replayed"`
}

// BatchItem is the outcome of one request of a batch.
type BatchItem struct {
	MarketID   string            `json:"market_id"`
	Version    uint64            `json:"version"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
	Replayed   bool              `json:"replayed,omitempty"`
	Error      string            `json:"error,omitempty"`

	err error
}

// --- Markets ---

// CreateMarket validates and stores a new market at version 0.
func (s *Service) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, error) {
	parsed, err := ticker.Parse(req.Ticker)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := req.Curve.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := s.now()
	market := &model.Market{
		ID:        uuid.New().String(),
		Ticker:    parsed.Symbol,
		Base:      parsed.Base,
		Quote:     parsed.Quote,
		Curve:     req.Curve,
		Limits:    req.Limits,
		Status:    model.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateMarket(ctx, market); err != nil {
		return nil, err
	}

	slog.Info("market created",
		"id", market.ID,
		"ticker", market.Ticker,
		"scale", market.Curve.Scale.String(),
	)
	s.refreshActiveMarkets(ctx)
	s.broadcast(WSMessage{Type: MsgMarketCreated, MarketID: market.ID, Ticker: market.Ticker, Status: market.Status})
	return market, nil
}

// SetStatus opens or halts a market. Halted markets reject settlement.
func (s *Service) SetStatus(ctx context.Context, marketID, status string) (*model.Market, error) {
	if !model.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}

	unlock := s.locks.lock(marketID)
	defer unlock()

	if err := s.store.UpdateMarketStatus(ctx, marketID, status); err != nil {
		return nil, err
	}
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	slog.Info("market status changed", "id", marketID, "status", status)
	s.refreshActiveMarkets(ctx)
	s.broadcast(WSMessage{Type: MsgMarketStatus, MarketID: market.ID, Ticker: market.Ticker, Status: status})
	return market, nil
}

// Exposure returns the current risk view of a market.
func (s *Service) Exposure(ctx context.Context, marketID string) (*model.MarketExposure, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	skew, err := market.Position.Skew()
	if err != nil {
		return nil, err
	}
	exposure, err := market.Position.Exposure()
	if err != nil {
		return nil, err
	}
	askRate, err := market.Curve.Rate(market.Orderbook.Ask)
	if err != nil {
		return nil, err
	}
	bidRate, err := market.Curve.Rate(market.Orderbook.Bid)
	if err != nil {
		return nil, err
	}

	return &model.MarketExposure{
		MarketID:  market.ID,
		Ticker:    market.Ticker,
		Version:   market.Version,
		Skew:      skew,
		Exposure:  exposure,
		Orderbook: market.Orderbook,
		AskRate:   askRate,
		BidRate:   bidRate,
	}, nil
}

// --- Settlement ---

// Preview executes req against the market's current checkpoint and checks
// limits without committing. The version is not checked.
func (s *Service) Preview(ctx context.Context, req SettleRequest) (*matching.Result, error) {
	if err := validateRequest(req, false); err != nil {
		return nil, err
	}
	market, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	result, err := matching.Execute(market.Orderbook, market.Position, req.Order, market.Curve, req.Price)
	if err != nil {
		return nil, fmt.Errorf("settlement: execute: %w", err)
	}
	if err := s.checkLimits(ctx, market, req.Order, result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle executes the order of version req.Version and commits the market's
// new checkpoint. req.Version must be exactly one past the market's version.
// Repeating an already committed version with the same order and price
// returns the stored settlement; any other repeat is a version conflict.
func (s *Service) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	start := time.Now()
	res, err := s.settle(ctx, req)

	outcome := outcomeOf(res, err)
	metrics.SettlementsTotal.WithLabelValues(outcome).Inc()
	metrics.SettlementLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if err != nil && outcome == "failed" {
		slog.Error("settlement failed", "market", req.MarketID, "version", req.Version, "err", err)
	}
	return res, err
}

func (s *Service) settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if err := validateRequest(req, true); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.MarketID)
	defer unlock()

	market, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}

	switch {
	case req.Version <= market.Version:
		return s.replay(ctx, req)
	case req.Version != market.Version+1:
		return nil, fmt.Errorf("market %s at version %d, got %d: %w",
			market.ID, market.Version, req.Version, store.ErrVersionConflict)
	}

	if market.Status != model.StatusOpen {
		return nil, fmt.Errorf("market %s: %w", market.ID, ErrMarketHalted)
	}

	result, err := matching.Execute(market.Orderbook, market.Position, req.Order, market.Curve, req.Price)
	if err != nil {
		return nil, fmt.Errorf("settlement: execute: %w", err)
	}
	if err := s.checkLimits(ctx, market, req.Order, result); err != nil {
		return nil, err
	}

	st := &model.Settlement{
		ID:        uuid.New().String(),
		MarketID:  market.ID,
		Version:   req.Version,
		Order:     req.Order,
		Price:     req.Price,
		Result:    result,
		Timestamp: s.now(),
	}
	if err := s.commitSettlement(ctx, st); err != nil {
		return nil, err
	}

	slog.Info("settlement committed",
		"id", st.ID,
		"market", market.ID,
		"ticker", market.Ticker,
		"version", st.Version,
		"price", req.Price.String(),
		"filled", result.Filled.String(),
		"position", result.Position.String(),
		"orderbook", result.Orderbook.String(),
		"spread_pos", result.Total.SpreadPos.String(),
		"spread_neg", result.Total.SpreadNeg.String(),
	)

	metrics.SpreadCharged.WithLabelValues(market.ID, "maker").Add(result.Total.SpreadMaker.InexactFloat64())
	metrics.SpreadCharged.WithLabelValues(market.ID, "long").Add(result.Total.SpreadLong.InexactFloat64())
	metrics.SpreadCharged.WithLabelValues(market.ID, "short").Add(result.Total.SpreadShort.InexactFloat64())

	s.broadcast(WSMessage{
		Type:      MsgSettlementCommitted,
		MarketID:  market.ID,
		Ticker:    market.Ticker,
		Version:   st.Version,
		Position:  &result.Position,
		Orderbook: &result.Orderbook,
		Spread:    &result.Total,
	})

	return &SettleResult{Settlement: *st}, nil
}

// commitSettlement writes st through the retry and breaker policies. A retry
// that finds its own earlier attempt committed counts as success.
func (s *Service) commitSettlement(ctx context.Context, st *model.Settlement) error {
	err := s.commit.WithContext(ctx).Run(func() error {
		return s.store.CommitSettlement(ctx, st)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		if existing, gerr := s.store.GetSettlement(ctx, st.MarketID, st.Version); gerr == nil && existing.ID == st.ID {
			return nil
		}
	}
	return fmt.Errorf("settlement: commit: %w", err)
}

// replay returns the stored settlement of req.Version if req repeats it.
func (s *Service) replay(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	stored, err := s.store.GetSettlement(ctx, req.MarketID, req.Version)
	if err != nil {
		return nil, err
	}
	if stored.Order.String() != req.Order.String() || !stored.Price.Equal(req.Price) {
		return nil, fmt.Errorf("market %s version %d already settled with a different order: %w",
			req.MarketID, req.Version, store.ErrVersionConflict)
	}
	return &SettleResult{Settlement: *stored, Replayed: true}, nil
}

// SettleBatch settles many requests. Requests of one market are applied in
// version order; different markets settle concurrently. Each item carries its
// own outcome and a failure does not stop the rest of the batch.
func (s *Service) SettleBatch(ctx context.Context, reqs []SettleRequest) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidRequest)
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", ErrInvalidRequest, len(reqs), MaxBatchSize)
	}

	items := make([]BatchItem, len(reqs))
	byMarket := make(map[string][]int)
	for i, req := range reqs {
		items[i] = BatchItem{MarketID: req.MarketID, Version: req.Version}
		byMarket[req.MarketID] = append(byMarket[req.MarketID], i)
	}

	var g errgroup.Group
	g.SetLimit(s.batchParallelism)
	for _, idx := range byMarket {
		sort.SliceStable(idx, func(a, b int) bool { return reqs[idx[a]].Version < reqs[idx[b]].Version })
		g.Go(func() error {
			for _, i := range idx {
				if err := ctx.Err(); err != nil {
					items[i].setError(err)
					continue
				}
				res, err := s.Settle(ctx, reqs[i])
				if err != nil {
					items[i].setError(err)
					continue
				}
				items[i].Settlement = &res.Settlement
				items[i].Replayed = res.Replayed
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return items, nil
}

func (it *BatchItem) setError(err error) {
	it.err = err
	it.Error = err.Error()
}

// Err returns the item's failure, if any.
func (it BatchItem) Err() error { return it.err }

// checkLimits enforces the market's position limits on result.
func (s *Service) checkLimits(ctx context.Context, market *model.Market, order matching.Order, result matching.Result) error {
	lim := s.limiter.Effective(market.Limits)
	if err := s.limiter.CheckLimit(lim, order, result.Position); err != nil {
		recordRejection(err)
		return fmt.Errorf("market %s: %w", market.ID, err)
	}
	if lim.MaxCorrelatedSkew.IsZero() {
		return nil
	}

	skew, err := result.Position.Skew()
	if err != nil {
		return err
	}
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("settlement: load correlated markets: %w", err)
	}
	existing := make([]limits.MarketSkew, 0, len(markets))
	for _, m := range markets {
		if m.Base != market.Base {
			continue
		}
		other, err := m.Position.Skew()
		if err != nil {
			return err
		}
		existing = append(existing, limits.MarketSkew{MarketID: m.ID, Base: m.Base, Skew: other})
	}

	target := limits.MarketSkew{MarketID: market.ID, Base: market.Base, Skew: skew}
	if err := s.limiter.CheckCorrelated(lim, target, existing); err != nil {
		recordRejection(err)
		return fmt.Errorf("market %s: %w", market.ID, err)
	}
	return nil
}

func recordRejection(err error) {
	switch {
	case errors.Is(err, limits.ErrMakerLimitExceeded):
		metrics.LimitRejections.WithLabelValues("maker").Inc()
	case errors.Is(err, limits.ErrEfficiencyExceeded):
		metrics.LimitRejections.WithLabelValues("efficiency").Inc()
	case errors.Is(err, limits.ErrCorrelatedLimitExceeded):
		metrics.LimitRejections.WithLabelValues("correlated").Inc()
	}
}

func validateRequest(req SettleRequest, versioned bool) error {
	if req.MarketID == "" {
		return fmt.Errorf("%w: market_id is required", ErrInvalidRequest)
	}
	if versioned && req.Version == 0 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidRequest)
	}
	if err := req.Order.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func outcomeOf(res *SettleResult, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "committed"
	case isRejection(err):
		return "rejected"
	default:
		return "failed"
	}
}

// isRejection reports whether err is a domain rejection rather than a fault.
func isRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrMarketHalted,
		store.ErrNotFound,
		store.ErrVersionConflict,
		limits.ErrMakerLimitExceeded,
		limits.ErrEfficiencyExceeded,
		limits.ErrCorrelatedLimitExceeded,
		fixed.ErrRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) broadcast(msg WSMessage) {
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
}

func (s *Service) refreshActiveMarkets(ctx context.Context) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return
	}
	open := 0
	for _, m := range markets {
		if m.Status == model.StatusOpen {
			open++
		}
	}
	metrics.ActiveMarkets.Set(float64(open))
}

// marketLocks is a keyed mutex. An entry exists only while some caller holds
// or waits for it, so unknown market IDs leave nothing behind.
type marketLocks struct {
	mu    sync.Mutex
	locks map[string]*marketLock
}

type marketLock struct {
	sync.Mutex
	refs int // holders plus waiters, guarded by marketLocks.mu
}

func newMarketLocks() *marketLocks {
	return &marketLocks{locks: make(map[string]*marketLock)}
}

// lock acquires the mutex of id and returns its release.
func (l *marketLocks) lock(id string) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &marketLock{}
		l.locks[id] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of live entries.
func (l *marketLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
