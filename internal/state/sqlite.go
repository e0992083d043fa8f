package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps EMA history in a SQLite database at full precision.
type SQLiteStore struct {
	path   string
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a SQLite store. Call Open before use.
func NewSQLiteStore(path string, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{path: path, logger: logger}
}

// Open connects to the database and applies migrations.
func (s *SQLiteStore) Open(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}

	s.db = db
	return nil
}

// LoadLast implements Store.
func (s *SQLiteStore) LoadLast(ctx context.Context) (float64, bool, error) {
	var value float64
	err := s.db.QueryRowContext(ctx, "SELECT value FROM ema_history ORDER BY seq DESC LIMIT 1").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load last EMA: %w", err)
	}

	if err := checkFinite(value); err != nil {
		s.logger.Warn("ignoring corrupt EMA state", zap.String("path", s.path), zap.Error(err))
		return 0, false, nil
	}
	return value, true, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	id := e.RunID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO ema_history (id, recorded_at, value) VALUES (?, ?, ?)",
		id, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Value,
	)
	if err != nil {
		return fmt.Errorf("insert EMA: %w", err)
	}
	return nil
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recorded_at, value FROM (
			SELECT seq, id, recorded_at, value FROM ema_history ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query EMA history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			recordedAt string
		)
		if err := rows.Scan(&e.RunID, &recordedAt, &e.Value); err != nil {
			return nil, fmt.Errorf("scan EMA history: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil || checkFinite(e.Value) != nil {
			s.logger.Debug("skipping malformed EMA row", zap.String("id", e.RunID))
			continue
		}
		e.Timestamp = ts
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate EMA history: %w", err)
	}
	return entries, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
