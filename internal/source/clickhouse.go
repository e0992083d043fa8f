package source

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// identPattern matches a plain or database-qualified identifier.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ClickHouseSource counts events stored in a ClickHouse logs table.
type ClickHouseSource struct {
	db              *sql.DB
	table           string
	timestampColumn string
	severityColumn  string
	hostColumn      string
	logger          *zap.Logger
}

// NewClickHouse opens a ClickHouse connection and checks it with a ping.
func NewClickHouse(cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseSource, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	opts := &clickhouse.Options{
		Addr: cfg.Addresses,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:  dialTimeout,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
	if cfg.Compression {
		opts.Compression = &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		}
	}

	db := clickhouse.OpenDB(opts)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping clickhouse", err)
	}

	s, err := NewClickHouseFromDB(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewClickHouseFromDB wraps an existing connection. Table and column names
// are checked because they are interpolated into the query.
func NewClickHouseFromDB(db *sql.DB, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseSource, error) {
	for _, ident := range []string{cfg.Table, cfg.TimestampColumn, cfg.SeverityColumn, cfg.HostColumn} {
		if !identPattern.MatchString(ident) {
			return nil, fmt.Errorf("invalid clickhouse identifier %q", ident)
		}
	}

	return &ClickHouseSource{
		db:              db,
		table:           cfg.Table,
		timestampColumn: cfg.TimestampColumn,
		severityColumn:  cfg.SeverityColumn,
		hostColumn:      cfg.HostColumn,
		logger:          logger,
	}, nil
}

// HourlyCounts implements CountSource.
func (s *ClickHouseSource) HourlyCounts(ctx context.Context, q Query) ([]int64, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	query, args := s.buildQuery(q)
	s.logger.Debug("querying clickhouse", zap.String("query", query), zap.Int("args", len(args)))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()

	var counts []int64
	for rows.Next() {
		var (
			bucket time.Time
			count  uint64
		)
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, unavailable("scan", err)
		}
		counts = append(counts, int64(count))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}

	return counts, nil
}

// Close implements CountSource.
func (s *ClickHouseSource) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *ClickHouseSource) buildQuery(q Query) (string, []interface{}) {
	var sb strings.Builder
	args := []interface{}{q.Start.UTC(), q.End.UTC(), q.Severity}

	fmt.Fprintf(&sb, "SELECT toStartOfHour(%s) AS bucket, count() FROM %s", s.timestampColumn, s.table)
	fmt.Fprintf(&sb, " WHERE %s >= ? AND %s < ? AND %s = ?", s.timestampColumn, s.timestampColumn, s.severityColumn)

	placeholders := make([]string, len(q.Hosts))
	for i, h := range q.Hosts {
		placeholders[i] = "?"
		args = append(args, h)
	}
	fmt.Fprintf(&sb, " AND %s IN (%s)", s.hostColumn, strings.Join(placeholders, ", "))
	sb.WriteString(" GROUP BY bucket ORDER BY bucket")

	return sb.String(), args
}
