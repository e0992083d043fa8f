// Package source fetches hourly log event counts from a log backend.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// ErrDataUnavailable wraps every backend failure: unreachable backend,
// rejected query or malformed response.
var ErrDataUnavailable = errors.New("log data unavailable")

// CountSource returns hourly bucketed event counts.
type CountSource interface {
	// HourlyCounts returns one count per calendar-hour bucket within
	// [q.Start, q.End), ascending. Buckets the backend does not report are
	// absent from the result.
	HourlyCounts(ctx context.Context, q Query) ([]int64, error)

	// Close releases backend connections.
	Close() error
}

// Query selects the events to count. Counts are summed across all hosts.
type Query struct {
	Severity string
	Hosts    []string
	Start    time.Time
	End      time.Time
}

// Window returns a query for the lookback window ending at end.
func Window(severity string, hosts []string, end time.Time, lookback time.Duration) Query {
	return Query{
		Severity: severity,
		Hosts:    hosts,
		Start:    end.Add(-lookback),
		End:      end,
	}
}

// Validate checks the query for errors.
func (q Query) Validate() error {
	if q.Severity == "" {
		return fmt.Errorf("severity is required")
	}
	if len(q.Hosts) == 0 {
		return fmt.Errorf("at least one host is required")
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return fmt.Errorf("time range is required")
	}
	if !q.Start.Before(q.End) {
		return fmt.Errorf("start %s is not before end %s", q.Start.Format(time.RFC3339), q.End.Format(time.RFC3339))
	}
	return nil
}

// New creates the count source selected by cfg.Backend.
func New(cfg config.SourceConfig, logger *zap.Logger) (CountSource, error) {
	switch cfg.Backend {
	case config.BackendElasticsearch:
		return NewElasticsearch(cfg.Elasticsearch, logger)
	case config.BackendClickHouse:
		return NewClickHouse(cfg.ClickHouse, logger)
	default:
		return nil, fmt.Errorf("unknown source backend %q", cfg.Backend)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDataUnavailable, op, err)
}
