package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestRedisStore_CorruptLastEntry(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "{not json"},
		{"null", "null"},
		{"empty object", "{}"},
		{"no value", `{"timestamp":"2024-01-01T00:00:00Z"}`},
		{"null value", `{"timestamp":"2024-01-01T00:00:00Z","value":null}`},
		{"string value", `{"value":"4.75"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			s := NewRedisStoreFromClient(client, "blazetune:ema", zap.NewNop())
			defer s.Close()

			ctx := context.Background()
			if err := s.Append(ctx, Entry{Timestamp: baseTime, Value: 3}); err != nil {
				t.Fatalf("Append: %v", err)
			}
			mr.RPush("blazetune:ema", tt.raw)

			v, ok, err := s.LoadLast(ctx)
			if err != nil || ok {
				t.Errorf("LoadLast() = %v, ok %v, err %v; want no seed", v, ok, err)
			}

			history, err := s.History(ctx, 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 1 || history[0].Value != 3 {
				t.Errorf("History = %+v, want the single well-formed entry", history)
			}
		})
	}
}

func TestDecodeEntry_ZeroValue(t *testing.T) {
	e, err := decodeEntry(`{"timestamp":"2024-05-08T12:00:00Z","value":0}`)
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if e.Value != 0 || !e.Timestamp.Equal(baseTime) {
		t.Errorf("entry = %+v", e)
	}
}

func TestRedisStore_StoresJSONEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStoreFromClient(client, "ema", zap.NewNop())
	defer s.Close()

	if err := s.Append(context.Background(), Entry{Timestamp: baseTime, Value: 4.75, RunID: "abc"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	list, err := mr.List("ema")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := `{"timestamp":"2024-05-08T12:00:00Z","value":4.75,"run_id":"abc"}`
	if len(list) != 1 || list[0] != want {
		t.Errorf("stored list = %v, want [%s]", list, want)
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	s := NewRedisStoreFromClient(client, "ema", zap.NewNop())
	defer s.Close()
	mr.Close()

	if _, _, err := s.LoadLast(context.Background()); err == nil {
		t.Error("LoadLast() on unreachable redis returned nil error")
	}
}
