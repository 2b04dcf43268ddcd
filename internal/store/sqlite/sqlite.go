// Package sqlite keeps rolling candle windows in a single SQLite table.
// Insert and trim share one transaction, so a committed window never
// exceeds its capacity.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// Config configures the SQLite store.
type Config struct {
	DBPath   string // path to the database file, e.g. "data/ohlcv.db"
	Capacity int
}

// Store is a store.CandleStore on SQLite.
type Store struct {
	db       *sql.DB
	capacity int
	locks    store.KeyLocks
}

var _ store.CandleStore = (*Store)(nil)

// New opens the database in WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = store.DefaultCapacity
	}
	slog.Info("sqlite store opened", "path", cfg.DBPath, "capacity", capacity)
	return &Store{db: db, capacity: capacity}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ohlcv (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			key  TEXT    NOT NULL,
			ts   INTEGER NOT NULL,
			data TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ohlcv_key_id ON ohlcv (key, id);
	`)
	return err
}

func (s *Store) Append(ctx context.Context, key string, c model.Candle) error {
	return s.AppendBatch(ctx, key, []model.Candle{c})
}

func (s *Store) AppendBatch(ctx context.Context, key string, cs []model.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	encoded, err := store.Encode(cs)
	if err != nil {
		return fmt.Errorf("sqlite append %s: %w", key, err)
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	if err := s.insertAndTrim(ctx, key, cs, encoded); err != nil {
		return fmt.Errorf("sqlite append %s: %w", key, unavailable(err))
	}
	return nil
}

func (s *Store) insertAndTrim(ctx context.Context, key string, cs []model.Candle, encoded [][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ohlcv (key, ts, data) VALUES (?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range cs {
		if _, err := stmt.ExecContext(ctx, key, cs[i].Timestamp, string(encoded[i])); err != nil {
			tx.Rollback()
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM ohlcv
		WHERE key = ? AND id NOT IN (
			SELECT id FROM ohlcv WHERE key = ? ORDER BY id DESC LIMIT ?
		)
	`, key, key, s.capacity)
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *Store) Range(ctx context.Context, key string, start, end int64) ([]model.Candle, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, data FROM ohlcv
		WHERE key = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC, id ASC
	`, key, start, end)
	if err != nil {
		return nil, fmt.Errorf("sqlite range %s: %w", key, unavailable(err))
	}
	defer rows.Close()

	cs := make([]model.Candle, 0)
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", key, unavailable(err))
		}
		c, err := model.DecodeCandle([]byte(data))
		if err != nil {
			slog.Warn("skipping corrupt candle row", "key", key, "id", id, "error", err)
			continue
		}
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite range %s: %w", key, unavailable(err))
	}
	return store.FilterRange(cs, start, end), nil
}

func (s *Store) Latest(ctx context.Context, key string) (model.Candle, bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM ohlcv WHERE key = ? ORDER BY id DESC LIMIT 1`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("sqlite latest %s: %w", key, unavailable(err))
	}
	c, err := model.DecodeCandle([]byte(data))
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("sqlite latest %s: %w", key, err)
	}
	return c, true, nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM ohlcv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite clear %s: %w", key, unavailable(err))
	}
	return nil
}

func (s *Store) Len(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ohlcv WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite len %s: %w", key, unavailable(err))
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}
