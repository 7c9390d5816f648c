package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"marketstream/internal/stream"
)

var _ SnapshotStore = (*SQLiteStore)(nil)

const createSnapshots = `
CREATE TABLE IF NOT EXISTS quote_snapshots (
	asset      TEXT    NOT NULL,
	symbol     TEXT    NOT NULL,
	price      REAL    NOT NULL DEFAULT 0,
	last_trade REAL    NOT NULL DEFAULT 0,
	size       REAL    NOT NULL DEFAULT 0,
	bid        REAL    NOT NULL DEFAULT 0,
	ask        REAL    NOT NULL DEFAULT 0,
	bid_size   REAL    NOT NULL DEFAULT 0,
	ask_size   REAL    NOT NULL DEFAULT 0,
	open       REAL    NOT NULL DEFAULT 0,
	high       REAL    NOT NULL DEFAULT 0,
	low        REAL    NOT NULL DEFAULT 0,
	volume     REAL    NOT NULL DEFAULT 0,
	session    TEXT    NOT NULL DEFAULT '',
	ts         INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (asset, symbol)
)`

const upsertSnapshot = `
INSERT INTO quote_snapshots
	(asset, symbol, price, last_trade, size, bid, ask, bid_size, ask_size,
	 open, high, low, volume, session, ts, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (asset, symbol) DO UPDATE SET
	price = excluded.price, last_trade = excluded.last_trade, size = excluded.size,
	bid = excluded.bid, ask = excluded.ask,
	bid_size = excluded.bid_size, ask_size = excluded.ask_size,
	open = excluded.open, high = excluded.high, low = excluded.low,
	volume = excluded.volume, session = excluded.session,
	ts = excluded.ts, updated_at = excluded.updated_at`

const selectSnapshot = `
SELECT symbol, price, last_trade, size, bid, ask, bid_size, ask_size,
       open, high, low, volume, session, ts
FROM quote_snapshots`

// SQLiteStore implements SnapshotStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns
// a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(createSnapshots); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating quote_snapshots: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSnapshots writes all quotes in one transaction.
func (s *SQLiteStore) UpsertSnapshots(ctx context.Context, asset stream.AssetClass, quotes []stream.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSnapshot)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, q := range quotes {
		if q.Symbol == "" {
			continue
		}
		var ts int64
		if !q.Timestamp.IsZero() {
			ts = q.Timestamp.UnixMilli()
		}
		_, err := stmt.ExecContext(ctx, string(asset), q.Symbol,
			q.Price, q.LastTrade, q.Size, q.Bid, q.Ask, q.BidSize, q.AskSize,
			q.Open, q.High, q.Low, q.Volume, q.Session, ts, now)
		if err != nil {
			return fmt.Errorf("upserting %s: %w", q.Symbol, err)
		}
	}
	return tx.Commit()
}

// GetSnapshot returns the stored quote for one symbol.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, asset stream.AssetClass, symbol string) (stream.Quote, error) {
	row := s.db.QueryRowContext(ctx, selectSnapshot+" WHERE asset = ? AND symbol = ?", string(asset), symbol)
	q, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Quote{}, ErrNotFound
	}
	return q, err
}

// ListSnapshots returns every stored quote for the asset class.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, asset stream.AssetClass) (map[string]stream.Quote, error) {
	rows, err := s.db.QueryContext(ctx, selectSnapshot+" WHERE asset = ? ORDER BY symbol", string(asset))
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]stream.Quote)
	for rows.Next() {
		q, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out[q.Symbol] = q
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (stream.Quote, error) {
	var (
		q  stream.Quote
		ts int64
	)
	err := sc.Scan(&q.Symbol, &q.Price, &q.LastTrade, &q.Size, &q.Bid, &q.Ask,
		&q.BidSize, &q.AskSize, &q.Open, &q.High, &q.Low, &q.Volume, &q.Session, &ts)
	if err != nil {
		return stream.Quote{}, err
	}
	if ts != 0 {
		q.Timestamp = time.UnixMilli(ts).UTC()
	}
	return q, nil
}
