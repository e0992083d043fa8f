package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// RedisStore keeps EMA history as JSON entries in a Redis list.
type RedisStore struct {
	client redis.UniversalClient
	key    string
	logger *zap.Logger
}

// NewRedisStore creates a Redis store. The connection is established
// lazily by the first command.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(client, cfg.Key, logger)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, key string, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, key: key, logger: logger}
}

// LoadLast implements Store.
func (s *RedisStore) LoadLast(ctx context.Context) (float64, bool, error) {
	raw, err := s.client.LIndex(ctx, s.key, -1).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load last EMA: %w", err)
	}

	e, err := decodeEntry(raw)
	if err != nil {
		s.logger.Warn("ignoring corrupt EMA state", zap.String("key", s.key), zap.Error(err))
		return 0, false, nil
	}
	return e.Value, true, nil
}

// Append implements Store.
func (s *RedisStore) Append(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode EMA entry: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("append EMA: %w", err)
	}
	return nil
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, limit int) ([]Entry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}

	raws, err := s.client.LRange(ctx, s.key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read EMA history: %w", err)
	}

	entries := make([]Entry, 0, len(raws))
	for _, raw := range raws {
		e, err := decodeEntry(raw)
		if err != nil {
			s.logger.Debug("skipping malformed EMA entry", zap.String("key", s.key), zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// storedEntry mirrors Entry with Value as a pointer so a missing value is
// told apart from zero.
type storedEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
	RunID     string    `json:"run_id"`
}

func decodeEntry(raw string) (Entry, error) {
	var se *storedEntry
	if err := json.Unmarshal([]byte(raw), &se); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	if se == nil || se.Value == nil {
		return Entry{}, fmt.Errorf("%w: missing value", ErrCorruptEntry)
	}
	if err := checkFinite(*se.Value); err != nil {
		return Entry{}, err
	}
	return Entry{Timestamp: se.Timestamp, Value: *se.Value, RunID: se.RunID}, nil
}
