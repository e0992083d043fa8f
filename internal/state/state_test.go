package state

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

var baseTime = time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)

func newTestFileStore(t *testing.T) Store {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "ema", "ema.txt"), zap.NewNop())
}

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"), zap.NewNop())
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedisStore(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "blazetune:ema", zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

var backends = []struct {
	name string
	new  func(t *testing.T) Store
}{
	{"file", newTestFileStore},
	{"sqlite", newTestSQLiteStore},
	{"redis", newTestRedisStore},
}

func TestStore_EmptyHasNoValue(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()

			_, ok, err := s.LoadLast(ctx)
			if err != nil {
				t.Fatalf("LoadLast: %v", err)
			}
			if ok {
				t.Error("empty store reported a value")
			}

			history, err := s.History(ctx, 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 0 {
				t.Errorf("History = %v, want empty", history)
			}
		})
	}
}

func TestStore_AppendThenLoadLast(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()

			values := []float64{4.75, 6.5, 3.25}
			for i, v := range values {
				e := Entry{Timestamp: baseTime.Add(time.Duration(i) * time.Hour), Value: v}
				if err := s.Append(ctx, e); err != nil {
					t.Fatalf("Append(%v): %v", v, err)
				}

				got, ok, err := s.LoadLast(ctx)
				if err != nil {
					t.Fatalf("LoadLast: %v", err)
				}
				if !ok || got != v {
					t.Errorf("LoadLast() = %v, %v; want %v, true", got, ok, v)
				}
			}
		})
	}
}

func TestStore_HistoryOrderAndLimit(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			s := b.new(t)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				e := Entry{Timestamp: baseTime.Add(time.Duration(i) * time.Hour), Value: float64(i) + 0.5}
				if err := s.Append(ctx, e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			all, err := s.History(ctx, 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(all) != 5 {
				t.Fatalf("History(0) returned %d entries, want 5", len(all))
			}
			for i, e := range all {
				if e.Value != float64(i)+0.5 {
					t.Errorf("entry %d value = %v, want %v", i, e.Value, float64(i)+0.5)
				}
				if !e.Timestamp.Equal(baseTime.Add(time.Duration(i) * time.Hour)) {
					t.Errorf("entry %d timestamp = %v", i, e.Timestamp)
				}
			}

			last2, err := s.History(ctx, 2)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(last2) != 2 || last2[0].Value != 3.5 || last2[1].Value != 4.5 {
				t.Errorf("History(2) = %+v, want values [3.5 4.5]", last2)
			}
		})
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		name    string
		cfg     config.StateConfig
		want    string
		wantErr bool
	}{
		{"file", config.StateConfig{Backend: config.StateFile, Path: filepath.Join(dir, "ema.txt")}, "*state.FileStore", false},
		{"sqlite", config.StateConfig{Backend: config.StateSQLite, Path: filepath.Join(dir, "state.db")}, "*state.SQLiteStore", false},
		{"redis", config.StateConfig{Backend: config.StateRedis, Redis: config.RedisConfig{Addr: mr.Addr(), Key: "k"}}, "*state.RedisStore", false},
		{"unknown", config.StateConfig{Backend: "etcd"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer s.Close()
			if got := fmt.Sprintf("%T", s); got != tt.want {
				t.Errorf("New() = %s, want %s", got, tt.want)
			}
		})
	}
}
