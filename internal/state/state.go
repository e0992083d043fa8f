// Package state persists the EMA carried from one run to the next.
//
// Every backend is an append-only log of timestamped entries. Only the last
// entry seeds the next run; earlier entries are kept for the history
// command and are never rewritten.
package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// ErrCorruptEntry marks a stored entry that cannot be parsed as a finite
// number. Stores log it and report the value as absent.
var ErrCorruptEntry = errors.New("corrupt EMA entry")

// Entry is one persisted EMA value.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	RunID     string    `json:"run_id,omitempty"`
}

// Store is an append-only EMA history.
type Store interface {
	// LoadLast returns the most recently appended value. ok is false when
	// the store is empty, missing, or its last entry is corrupt.
	LoadLast(ctx context.Context) (value float64, ok bool, err error)

	// Append adds e after all existing entries, creating the store if needed.
	Append(ctx context.Context, e Entry) error

	// History returns up to limit of the most recent well-formed entries,
	// oldest first. limit <= 0 returns everything.
	History(ctx context.Context, limit int) ([]Entry, error)

	// Close releases the backend.
	Close() error
}

// New opens the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StateConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.StateFile:
		return NewFileStore(cfg.Path, logger), nil
	case config.StateSQLite:
		s := NewSQLiteStore(cfg.Path, logger)
		if err := s.Open(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case config.StateRedis:
		return NewRedisStore(cfg.Redis, logger), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func checkFinite(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: non-finite value %v", ErrCorruptEntry, v)
	}
	return nil
}

// tail returns the last limit entries, or all of them when limit <= 0.
func tail(entries []Entry, limit int) []Entry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
