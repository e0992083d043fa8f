package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. BLAZETUNE_QUERY_SEVERITY.
const EnvPrefix = "BLAZETUNE"

// Source backends.
const (
	BackendElasticsearch = "elasticsearch"
	BackendClickHouse    = "clickhouse"
)

// State backends.
const (
	StateFile   = "file"
	StateSQLite = "sqlite"
	StateRedis  = "redis"
)

// Rule document formats.
const (
	RuleFormatElastAlert = "elastalert"
	RuleFormatBlazeLog   = "blazelog"
)

// Audit log formats.
const (
	AuditFormatText = "text"
	AuditFormatJSON = "json"
)

// Config is the complete blazetune configuration. It is built once at
// startup and handed to each component.
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Query     QueryConfig     `mapstructure:"query"`
	Threshold ThresholdConfig `mapstructure:"threshold"`
	Rule      RuleConfig      `mapstructure:"rule"`
	State     StateConfig     `mapstructure:"state"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SourceConfig selects and configures the log-count backend.
type SourceConfig struct {
	Backend       string              `mapstructure:"backend"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	ClickHouse    ClickHouseConfig    `mapstructure:"clickhouse"`
}

// ElasticsearchConfig contains Elasticsearch connection and field settings.
type ElasticsearchConfig struct {
	Addresses      []string      `mapstructure:"addresses"` // full URLs, take precedence over host/port
	Scheme         string        `mapstructure:"scheme"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Index          string        `mapstructure:"index"`
	TimestampField string        `mapstructure:"timestamp_field"`
	SeverityField  string        `mapstructure:"severity_field"`
	HostField      string        `mapstructure:"host_field"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// URLs returns the node addresses to connect to.
func (c ElasticsearchConfig) URLs() []string {
	if len(c.Addresses) > 0 {
		return c.Addresses
	}
	return []string{fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)}
}

// ClickHouseConfig contains ClickHouse connection and schema settings.
type ClickHouseConfig struct {
	Addresses       []string      `mapstructure:"addresses"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Table           string        `mapstructure:"table"`
	TimestampColumn string        `mapstructure:"timestamp_column"`
	SeverityColumn  string        `mapstructure:"severity_column"`
	HostColumn      string        `mapstructure:"host_column"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	Compression     bool          `mapstructure:"compression"`
}

// QueryConfig defines which events are counted.
type QueryConfig struct {
	Severity      string   `mapstructure:"severity"`
	Hosts         []string `mapstructure:"hosts"`
	LookbackHours int      `mapstructure:"lookback_hours"`
}

// Lookback returns the lookback window as a duration.
func (c QueryConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// ThresholdConfig holds the EMA period and volatility multiplier.
type ThresholdConfig struct {
	Period int     `mapstructure:"period"`
	K      float64 `mapstructure:"k"`
}

// RuleConfig locates the alerting rule and the field to rewrite.
type RuleConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"`
	Field  string `mapstructure:"field"` // dotted path, elastalert format only
	Name   string `mapstructure:"name"`  // rule name, blazelog format only
}

// StateConfig selects where EMA history is kept.
type StateConfig struct {
	Backend string      `mapstructure:"backend"`
	Path    string      `mapstructure:"path"` // file or sqlite database path
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis settings for the redis state backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"` // text or json
}

// MetricsConfig controls export of run metrics.
type MetricsConfig struct {
	Textfile    string `mapstructure:"textfile"`    // node_exporter textfile path, empty disables
	Pushgateway string `mapstructure:"pushgateway"` // Pushgateway URL, empty disables
	Job         string `mapstructure:"job"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// setDefaults registers default values for every key so that environment
// overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.backend", BackendElasticsearch)

	v.SetDefault("source.elasticsearch.addresses", []string{})
	v.SetDefault("source.elasticsearch.scheme", "http")
	v.SetDefault("source.elasticsearch.host", "localhost")
	v.SetDefault("source.elasticsearch.port", 9200)
	v.SetDefault("source.elasticsearch.username", "")
	v.SetDefault("source.elasticsearch.password", "")
	v.SetDefault("source.elasticsearch.index", "syslog-*")
	v.SetDefault("source.elasticsearch.timestamp_field", "@timestamp")
	v.SetDefault("source.elasticsearch.severity_field", "log.syslog.severity.name.keyword")
	v.SetDefault("source.elasticsearch.host_field", "host.hostname.keyword")
	v.SetDefault("source.elasticsearch.timeout", 30*time.Second)

	v.SetDefault("source.clickhouse.addresses", []string{"localhost:9000"})
	v.SetDefault("source.clickhouse.database", "default")
	v.SetDefault("source.clickhouse.username", "default")
	v.SetDefault("source.clickhouse.password", "")
	v.SetDefault("source.clickhouse.table", "logs")
	v.SetDefault("source.clickhouse.timestamp_column", "timestamp")
	v.SetDefault("source.clickhouse.severity_column", "level")
	v.SetDefault("source.clickhouse.host_column", "source")
	v.SetDefault("source.clickhouse.dial_timeout", 5*time.Second)
	v.SetDefault("source.clickhouse.compression", false)

	v.SetDefault("query.severity", "Warning")
	v.SetDefault("query.hosts", []string{})
	v.SetDefault("query.lookback_hours", 24*7)

	v.SetDefault("threshold.period", 3)
	v.SetDefault("threshold.k", 1.5)

	v.SetDefault("rule.path", "")
	v.SetDefault("rule.format", RuleFormatElastAlert)
	v.SetDefault("rule.field", "num_events")
	v.SetDefault("rule.name", "")

	v.SetDefault("state.backend", StateFile)
	v.SetDefault("state.path", "ema/ema.txt")
	v.SetDefault("state.redis.addr", "localhost:6379")
	v.SetDefault("state.redis.password", "")
	v.SetDefault("state.redis.db", 0)
	v.SetDefault("state.redis.key", "blazetune:ema")

	v.SetDefault("audit.path", "ema/log.txt")
	v.SetDefault("audit.format", AuditFormatText)

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.pushgateway", "")
	v.SetDefault("metrics.job", "blazetune")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads configuration from path, or from blazetune.yaml in the working
// directory or /etc/blazetune when path is empty. A missing default config
// file is not an error; environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("blazetune")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/blazetune")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHooks()); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration built from defaults only. It is not
// validated: rule.path and query.hosts have no sensible default.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg, decodeHooks())
	return &cfg
}

// decodeHooks parses durations and splits list values given as a single
// string (environment overrides) on commas and whitespace.
func decodeHooks() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToListHook,
	))
}

func stringToListHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice || to.Elem().Kind() != reflect.String {
		return data, nil
	}
	return strings.FieldsFunc(data.(string), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	}), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Source.Backend {
	case BackendElasticsearch:
		es := c.Source.Elasticsearch
		if len(es.Addresses) == 0 && (es.Host == "" || es.Port <= 0) {
			return fmt.Errorf("source.elasticsearch.host and port are required when no addresses are set")
		}
		if es.Index == "" {
			return fmt.Errorf("source.elasticsearch.index is required")
		}
		if es.TimestampField == "" || es.SeverityField == "" || es.HostField == "" {
			return fmt.Errorf("source.elasticsearch field names must not be empty")
		}
		if es.Timeout <= 0 {
			return fmt.Errorf("source.elasticsearch.timeout must be positive")
		}
	case BackendClickHouse:
		ch := c.Source.ClickHouse
		if len(ch.Addresses) == 0 {
			return fmt.Errorf("source.clickhouse.addresses is required")
		}
		if ch.Table == "" || ch.TimestampColumn == "" || ch.SeverityColumn == "" || ch.HostColumn == "" {
			return fmt.Errorf("source.clickhouse table and column names must not be empty")
		}
	default:
		return fmt.Errorf("invalid source.backend %q (use %s or %s)", c.Source.Backend, BackendElasticsearch, BackendClickHouse)
	}

	if c.Query.Severity == "" {
		return fmt.Errorf("query.severity is required")
	}
	if len(c.Query.Hosts) == 0 {
		return fmt.Errorf("query.hosts must list at least one host")
	}
	for i, h := range c.Query.Hosts {
		if h == "" {
			return fmt.Errorf("query.hosts[%d] is empty", i)
		}
	}
	if c.Query.LookbackHours <= 0 {
		return fmt.Errorf("query.lookback_hours must be positive")
	}

	// The volatility margin needs a sample standard deviation, which is
	// undefined for fewer than two samples.
	if c.Threshold.Period < 2 {
		return fmt.Errorf("threshold.period must be at least 2, got %d", c.Threshold.Period)
	}
	if c.Threshold.K < 0 {
		return fmt.Errorf("threshold.k must not be negative, got %v", c.Threshold.K)
	}
	if c.Query.LookbackHours < c.Threshold.Period {
		return fmt.Errorf("query.lookback_hours (%d) is shorter than threshold.period (%d)", c.Query.LookbackHours, c.Threshold.Period)
	}

	if c.Rule.Path == "" {
		return fmt.Errorf("rule.path is required")
	}
	switch c.Rule.Format {
	case RuleFormatElastAlert:
		if c.Rule.Field == "" {
			return fmt.Errorf("rule.field is required for %s rules", RuleFormatElastAlert)
		}
	case RuleFormatBlazeLog:
		if c.Rule.Name == "" {
			return fmt.Errorf("rule.name is required for %s rules", RuleFormatBlazeLog)
		}
	default:
		return fmt.Errorf("invalid rule.format %q (use %s or %s)", c.Rule.Format, RuleFormatElastAlert, RuleFormatBlazeLog)
	}

	switch c.State.Backend {
	case StateFile, StateSQLite:
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the %s state backend", c.State.Backend)
		}
	case StateRedis:
		if c.State.Redis.Addr == "" {
			return fmt.Errorf("state.redis.addr is required")
		}
		if c.State.Redis.Key == "" {
			return fmt.Errorf("state.redis.key is required")
		}
	default:
		return fmt.Errorf("invalid state.backend %q (use %s, %s or %s)", c.State.Backend, StateFile, StateSQLite, StateRedis)
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if c.Audit.Format != AuditFormatText && c.Audit.Format != AuditFormatJSON {
		return fmt.Errorf("invalid audit.format %q (use %s or %s)", c.Audit.Format, AuditFormatText, AuditFormatJSON)
	}

	if c.Metrics.Pushgateway != "" && c.Metrics.Job == "" {
		return fmt.Errorf("metrics.job is required when metrics.pushgateway is set")
	}

	return nil
}
