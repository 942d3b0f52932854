package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/perp-engine/internal/model"
)

// postgresSchema holds fixed-point columns as NUMERIC for exact decimal
// precision. Widths are enforced in Go before every write.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS markets (
	id          TEXT PRIMARY KEY,
	ticker      TEXT NOT NULL UNIQUE,
	base        TEXT NOT NULL,
	quote       TEXT NOT NULL,
	curve       JSONB NOT NULL,
	limits      JSONB NOT NULL,
	maker_pos   NUMERIC(78, 6) NOT NULL,
	long_pos    NUMERIC(78, 6) NOT NULL,
	short_pos   NUMERIC(78, 6) NOT NULL,
	midpoint    NUMERIC(78, 6) NOT NULL,
	ask         NUMERIC(78, 6) NOT NULL,
	bid         NUMERIC(78, 6) NOT NULL,
	version     BIGINT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL REFERENCES markets (id),
	version     BIGINT NOT NULL,
	order_delta JSONB NOT NULL,
	price       NUMERIC(78, 6) NOT NULL,
	result      JSONB NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	UNIQUE (market_id, version)
);
`

const pgMarketColumns = `id, ticker, base, quote, curve::TEXT, limits::TEXT,
	maker_pos::TEXT, long_pos::TEXT, short_pos::TEXT,
	midpoint::TEXT, ask::TEXT, bid::TEXT,
	version, status, created_at, updated_at`

const pgSettlementColumns = `id, market_id, version, order_delta::TEXT, price::TEXT, result::TEXT, timestamp`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := validateMarket(m); err != nil {
		return err
	}
	r, err := newMarketRow(m)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO markets (id, ticker, base, quote, curve, limits,
		                      maker_pos, long_pos, short_pos, midpoint, ask, bid,
		                      version, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::JSONB, $6::JSONB,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13, $14, $15, $16)`,
		r.id, r.ticker, r.base, r.quote, r.curve, r.limits,
		r.maker, r.long, r.short, r.midpoint, r.ask, r.bid,
		r.version, r.status, r.createdAt, r.updatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s (%s): %w", m.ID, m.Ticker, ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+pgMarketColumns+` FROM markets WHERE id = $1`, id)
}

func (s *PostgresStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+pgMarketColumns+` FROM markets WHERE ticker = $1`, ticker)
}

func (s *PostgresStore) getMarket(ctx context.Context, query, key string) (*model.Market, error) {
	var r marketRow
	err := s.pool.QueryRow(ctx, query, key).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", key, err)
	}
	return r.market()
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgMarketColumns+` FROM markets ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

// CommitSettlement advances the market row with an optimistic version check
// and appends the settlement in the same transaction.
func (s *PostgresStore) CommitSettlement(ctx context.Context, st *model.Settlement) error {
	if err := validateSettlement(st); err != nil {
		return err
	}
	r, err := newSettlementRow(st)
	if err != nil {
		return err
	}
	p, b := st.Result.Position, st.Result.Orderbook

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE markets
		 SET maker_pos = $3::NUMERIC, long_pos = $4::NUMERIC, short_pos = $5::NUMERIC,
		     midpoint = $6::NUMERIC, ask = $7::NUMERIC, bid = $8::NUMERIC,
		     version = $2, updated_at = $9
		 WHERE id = $1 AND version = $2 - 1`,
		st.MarketID, r.version,
		p.Maker.String(), p.Long.String(), p.Short.String(),
		b.Midpoint.String(), b.Ask.String(), b.Bid.String(),
		r.timestamp,
	)
	if err != nil {
		return fmt.Errorf("advance market %s: %w", st.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		var current int64
		err := tx.QueryRow(ctx, `SELECT version FROM markets WHERE id = $1`, st.MarketID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("market %s: %w", st.MarketID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("market %s at version %d, settlement %d: %w",
			st.MarketID, current, st.Version, ErrVersionConflict)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO settlements (id, market_id, version, order_delta, price, result, timestamp)
		 VALUES ($1, $2, $3, $4::JSONB, $5::NUMERIC, $6::JSONB, $7)`,
		r.id, r.marketID, r.version, r.order, r.price, r.result, r.timestamp,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("settlement %s@%d: %w", st.MarketID, st.Version, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string, version uint64) (*model.Settlement, error) {
	var r settlementRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements WHERE market_id = $1 AND version = $2`,
		marketID, int64(version)).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s@%d: %w", marketID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s@%d: %w", marketID, version, err)
	}
	return r.settlement()
}

func (s *PostgresStore) GetSettlementsByMarket(ctx context.Context, marketID string) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements WHERE market_id = $1 ORDER BY version`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
