package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// histogramName is the aggregation holding the hourly buckets.
const histogramName = "per_hour"

// ElasticsearchSource counts events with a date_histogram aggregation.
type ElasticsearchSource struct {
	client         *elasticsearch.Client
	index          string
	timestampField string
	severityField  string
	hostField      string
	timeout        time.Duration
	logger         *zap.Logger
}

// NewElasticsearch creates an Elasticsearch count source. No request is
// made until HourlyCounts is called.
func NewElasticsearch(cfg config.ElasticsearchConfig, logger *zap.Logger) (*ElasticsearchSource, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    cfg.URLs(),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &ElasticsearchSource{
		client:         client,
		index:          cfg.Index,
		timestampField: cfg.TimestampField,
		severityField:  cfg.SeverityField,
		hostField:      cfg.HostField,
		timeout:        timeout,
		logger:         logger,
	}, nil
}

// HourlyCounts implements CountSource.
func (s *ElasticsearchSource) HourlyCounts(ctx context.Context, q Query) ([]int64, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	body, err := json.Marshal(s.searchBody(q))
	if err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Debug("querying elasticsearch",
		zap.String("index", s.index),
		zap.String("severity", q.Severity),
		zap.Strings("hosts", q.Hosts),
		zap.Time("start", q.Start),
		zap.Time("end", q.End),
	)

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, unavailable("search", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, unavailable("search", fmt.Errorf("status %d: %s", res.StatusCode, bytes.TrimSpace(msg)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, unavailable("decode response", err)
	}
	if parsed.Aggregations == nil || parsed.Aggregations.PerHour == nil {
		return nil, unavailable("decode response", errors.New("missing "+histogramName+" aggregation"))
	}

	counts := make([]int64, 0, len(parsed.Aggregations.PerHour.Buckets))
	for _, b := range parsed.Aggregations.PerHour.Buckets {
		counts = append(counts, b.DocCount)
	}

	s.logger.Debug("elasticsearch buckets received", zap.Int("buckets", len(counts)))
	return counts, nil
}

// Close implements CountSource. The HTTP transport holds no resources that
// need releasing.
func (s *ElasticsearchSource) Close() error {
	return nil
}

func (s *ElasticsearchSource) searchBody(q Query) map[string]any {
	return map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []any{
					map[string]any{"range": map[string]any{
						s.timestampField: map[string]any{
							"gte": q.Start.UTC().Format(time.RFC3339Nano),
							"lt":  q.End.UTC().Format(time.RFC3339Nano),
						},
					}},
					map[string]any{"term": map[string]any{s.severityField: q.Severity}},
					map[string]any{"terms": map[string]any{s.hostField: q.Hosts}},
				},
			},
		},
		"aggs": map[string]any{
			histogramName: map[string]any{
				"date_histogram": map[string]any{
					"field":             s.timestampField,
					"calendar_interval": "1h",
				},
			},
		},
	}
}

type searchResponse struct {
	Aggregations *struct {
		PerHour *struct {
			Buckets []struct {
				Key      int64 `json:"key"`
				DocCount int64 `json:"doc_count"`
			} `json:"buckets"`
		} `json:"per_hour"`
	} `json:"aggregations"`
}
