package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/atmx/perp-engine/internal/model"
)

// Fixed-point columns are TEXT; NUMERIC affinity in SQLite would coerce them
// to float.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS markets (
	id          TEXT PRIMARY KEY,
	ticker      TEXT NOT NULL UNIQUE,
	base        TEXT NOT NULL,
	quote       TEXT NOT NULL,
	curve       TEXT NOT NULL,
	limits      TEXT NOT NULL,
	maker_pos   TEXT NOT NULL,
	long_pos    TEXT NOT NULL,
	short_pos   TEXT NOT NULL,
	midpoint    TEXT NOT NULL,
	ask         TEXT NOT NULL,
	bid         TEXT NOT NULL,
	version     INTEGER NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	id          TEXT PRIMARY KEY,
	market_id   TEXT NOT NULL REFERENCES markets (id),
	version     INTEGER NOT NULL,
	order_delta TEXT NOT NULL,
	price       TEXT NOT NULL,
	result      TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL,
	UNIQUE (market_id, version)
);
`

const sqliteMarketColumns = `id, ticker, base, quote, curve, limits,
	maker_pos, long_pos, short_pos, midpoint, ask, bid,
	version, status, created_at, updated_at`

const sqliteSettlementColumns = `id, market_id, version, order_delta, price, result, timestamp`

// SQLiteStore implements Store on a single SQLite file. It suits single-node
// deployments that do not run PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path, enables WAL and creates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps version checks and commits serialized.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := validateMarket(m); err != nil {
		return err
	}
	r, err := newMarketRow(m)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO markets (`+sqliteMarketColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.ticker, r.base, r.quote, r.curve, r.limits,
		r.maker, r.long, r.short, r.midpoint, r.ask, r.bid,
		r.version, r.status, r.createdAt.UTC(), r.updatedAt.UTC(),
	)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("market %s (%s): %w", m.ID, m.Ticker, ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+sqliteMarketColumns+` FROM markets WHERE id = ?`, id)
}

func (s *SQLiteStore) GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error) {
	return s.getMarket(ctx, `SELECT `+sqliteMarketColumns+` FROM markets WHERE ticker = ?`, ticker)
}

func (s *SQLiteStore) getMarket(ctx context.Context, query, key string) (*model.Market, error) {
	var r marketRow
	err := s.db.QueryRowContext(ctx, query, key).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", key, err)
	}
	return r.market()
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteMarketColumns+` FROM markets ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMarkets(rows)
}

func (s *SQLiteStore) UpdateMarketStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) CommitSettlement(ctx context.Context, st *model.Settlement) error {
	if err := validateSettlement(st); err != nil {
		return err
	}
	r, err := newSettlementRow(st)
	if err != nil {
		return err
	}
	p, b := st.Result.Position, st.Result.Orderbook

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE markets
		 SET maker_pos = ?, long_pos = ?, short_pos = ?, midpoint = ?, ask = ?, bid = ?,
		     version = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		p.Maker.String(), p.Long.String(), p.Short.String(),
		b.Midpoint.String(), b.Ask.String(), b.Bid.String(),
		r.version, r.timestamp.UTC(),
		st.MarketID, r.version-1,
	)
	if err != nil {
		return fmt.Errorf("advance market %s: %w", st.MarketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM markets WHERE id = ?`, st.MarketID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("market %s: %w", st.MarketID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("market %s at version %d, settlement %d: %w",
			st.MarketID, current, st.Version, ErrVersionConflict)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO settlements (`+sqliteSettlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.marketID, r.version, r.order, r.price, r.result, r.timestamp.UTC(),
	)
	if isSQLiteConstraint(err) {
		return fmt.Errorf("settlement %s@%d: %w", st.MarketID, st.Version, ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetSettlement(ctx context.Context, marketID string, version uint64) (*model.Settlement, error) {
	var r settlementRow
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSettlementColumns+` FROM settlements WHERE market_id = ? AND version = ?`,
		marketID, int64(version)).Scan(r.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settlement %s@%d: %w", marketID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement %s@%d: %w", marketID, version, err)
	}
	return r.settlement()
}

func (s *SQLiteStore) GetSettlementsByMarket(ctx context.Context, marketID string) ([]model.Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSettlementColumns+` FROM settlements WHERE market_id = ? ORDER BY version`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
