// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or settlement does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a market with the same ID or ticker exists.
	ErrDuplicate = errors.New("store: already exists")

	// ErrVersionConflict is returned when a settlement does not advance the
	// market from exactly its current version.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market at its initial checkpoint.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByTicker retrieves a market by its ticker symbol.
	GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus opens or halts a market.
	UpdateMarketStatus(ctx context.Context, id, status string) error

	// --- Settlement ledger ---

	// CommitSettlement atomically appends s and advances its market from
	// version s.Version-1 to s.Version with the result's position and
	// orderbook. Any other current version fails with ErrVersionConflict.
	CommitSettlement(ctx context.Context, s *model.Settlement) error

	// GetSettlement returns the settlement of one market version.
	GetSettlement(ctx context.Context, marketID string, version uint64) (*model.Settlement, error)

	// GetSettlementsByMarket returns all settlements of a market in version order.
	GetSettlementsByMarket(ctx context.Context, marketID string) ([]model.Settlement, error)
}

// validateMarket checks a market checkpoint against its storage widths.
func validateMarket(m *model.Market) error {
	if err := m.Position.Validate(); err != nil {
		return fmt.Errorf("market %s: %w", m.ID, err)
	}
	if err := m.Orderbook.Validate(); err != nil {
		return fmt.Errorf("market %s: %w", m.ID, err)
	}
	return nil
}

// validateSettlement checks a settlement's order and resulting checkpoint
// against their storage widths.
func validateSettlement(s *model.Settlement) error {
	if s.Version == 0 {
		return fmt.Errorf("settlement %s: %w: version must be positive", s.ID, ErrVersionConflict)
	}
	if err := s.Order.Validate(); err != nil {
		return fmt.Errorf("settlement %s: %w", s.ID, err)
	}
	if err := s.Result.Position.Validate(); err != nil {
		return fmt.Errorf("settlement %s: %w", s.ID, err)
	}
	if err := s.Result.Orderbook.Validate(); err != nil {
		return fmt.Errorf("settlement %s: %w", s.ID, err)
	}
	return nil
}
