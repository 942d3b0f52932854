package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	settlements map[string][]model.Settlement // market ID → settlements in version order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		settlements: make(map[string][]model.Settlement),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	if err := validateMarket(m); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrDuplicate)
	}
	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("market for ticker %s: %w", m.Ticker, ErrDuplicate)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("market for ticker %s: %w", ticker, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Ticker < markets[j].Ticker })
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, st *model.Settlement) error {
	if err := validateSettlement(st); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[st.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", st.MarketID, ErrNotFound)
	}
	if m.Version+1 != st.Version {
		return fmt.Errorf("market %s at version %d, settlement %d: %w",
			m.ID, m.Version, st.Version, ErrVersionConflict)
	}

	m.Position = st.Result.Position
	m.Orderbook = st.Result.Orderbook
	m.Version = st.Version
	m.UpdatedAt = st.Timestamp
	s.settlements[m.ID] = append(s.settlements[m.ID], *st)
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string, version uint64) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.settlements[marketID] {
		if st.Version == version {
			return &st, nil
		}
	}
	return nil, fmt.Errorf("settlement %s@%d: %w", marketID, version, ErrNotFound)
}

func (s *MemoryStore) GetSettlementsByMarket(_ context.Context, marketID string) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.settlements[marketID]
	result := make([]model.Settlement, len(list))
	copy(result, list)
	return result, nil
}
