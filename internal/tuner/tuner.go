// Package tuner runs one threshold tuning pass: fetch hourly counts,
// compute the EMA threshold, then persist the EMA, rewrite the rule and
// append the audit record.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazetune/internal/alerting"
	"github.com/good-yellow-bee/blazetune/internal/audit"
	"github.com/good-yellow-bee/blazetune/internal/metrics"
	"github.com/good-yellow-bee/blazetune/internal/source"
	"github.com/good-yellow-bee/blazetune/internal/state"
	"github.com/good-yellow-bee/blazetune/internal/threshold"
)

// AuditLog receives one event per applied update.
type AuditLog interface {
	Log(e audit.Event) error
}

// Options configures a Runner.
type Options struct {
	Source     source.CountSource
	Store      state.Store
	Calculator *threshold.Calculator
	Rule       alerting.Updater
	Audit      AuditLog
	Metrics    *metrics.Recorder // optional
	Logger     *zap.Logger       // optional

	Severity string
	Hosts    []string
	Lookback time.Duration

	// DryRun computes the threshold without writing anything.
	DryRun bool

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Report describes a run.
type Report struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Buckets     int       `json:"buckets"`
	DryRun      bool      `json:"dry_run"`

	// Seed is the previous EMA, nil on bootstrap.
	Seed   *float64         `json:"seed,omitempty"`
	Result threshold.Result `json:"result"`

	TriggerCount int `json:"trigger_count"`
	// PreviousTriggerCount is the rule's value before this run, if known.
	PreviousTriggerCount *int `json:"previous_trigger_count,omitempty"`
}

// Runner executes tuning runs. It is not safe for concurrent use; at most
// one run is expected to be active.
type Runner struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("source is required")
	case opts.Store == nil:
		return nil, fmt.Errorf("state store is required")
	case opts.Calculator == nil:
		return nil, fmt.Errorf("calculator is required")
	case opts.Rule == nil:
		return nil, fmt.Errorf("rule updater is required")
	case opts.Audit == nil:
		return nil, fmt.Errorf("audit log is required")
	case opts.Lookback <= 0:
		return nil, fmt.Errorf("lookback must be positive")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Runner{opts: opts, logger: logger, now: now}, nil
}

// Run performs one tuning pass. When fewer hourly buckets than the EMA
// period are available it returns an error wrapping
// threshold.ErrInsufficientData and writes nothing. Writes happen in the
// order state, rule, audit; a failure part way leaves the earlier writes
// in place and the next run continues from the stored EMA.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	started := r.now()
	q := source.Window(r.opts.Severity, r.opts.Hosts, started, r.opts.Lookback)

	report := &Report{
		RunID:       uuid.New().String(),
		StartedAt:   started,
		WindowStart: q.Start,
		WindowEnd:   q.End,
		DryRun:      r.opts.DryRun,
	}
	logger := r.logger.With(zap.String("run_id", report.RunID))

	counts, err := r.fetch(ctx, q)
	if err != nil {
		r.outcome(metrics.OutcomeFailure)
		return report, err
	}
	report.Buckets = len(counts)
	logger.Info("fetched hourly counts", zap.Int("buckets", len(counts)))

	if period := r.opts.Calculator.Period(); len(counts) < period {
		r.outcome(metrics.OutcomeInsufficientData)
		return report, fmt.Errorf("%w: %d hourly buckets, need %d", threshold.ErrInsufficientData, len(counts), period)
	}

	prev, ok, err := r.opts.Store.LoadLast(ctx)
	if err != nil {
		r.outcome(metrics.OutcomeFailure)
		return report, fmt.Errorf("load previous EMA: %w", err)
	}
	if ok {
		report.Seed = &prev
		logger.Debug("seeding from previous EMA", zap.Float64("seed", prev))
	} else {
		logger.Info("no previous EMA, bootstrapping from first bucket")
	}

	res, err := r.opts.Calculator.Compute(counts, threshold.SeedFrom(prev, ok))
	if err != nil {
		r.outcome(metrics.OutcomeFailure)
		return report, fmt.Errorf("compute threshold: %w", err)
	}
	report.Result = res
	report.TriggerCount = res.TriggerCount()
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveResult(res.EMA, res.StdDev, res.Threshold, report.TriggerCount)
	}

	if r.opts.DryRun {
		if current, found, err := r.opts.Rule.Current(); err != nil {
			logger.Warn("cannot read current trigger count", zap.Error(err))
		} else if found {
			report.PreviousTriggerCount = &current
		}
		r.outcome(metrics.OutcomeDryRun)
		logger.Info("dry run, nothing written",
			zap.Float64("ema", res.EMA),
			zap.Float64("threshold", res.Threshold),
			zap.Int("trigger_count", report.TriggerCount),
		)
		return report, nil
	}

	if err := r.apply(ctx, report, logger); err != nil {
		r.outcome(metrics.OutcomeFailure)
		return report, err
	}

	r.outcome(metrics.OutcomeSuccess)
	logger.Info("threshold updated",
		zap.Float64("ema", res.EMA),
		zap.Float64("stddev", res.StdDev),
		zap.Float64("threshold", res.Threshold),
		zap.Int("trigger_count", report.TriggerCount),
	)
	return report, nil
}

func (r *Runner) fetch(ctx context.Context, q source.Query) ([]int64, error) {
	start := time.Now()
	counts, err := r.opts.Source.HourlyCounts(ctx, q)
	if r.opts.Metrics != nil {
		r.opts.Metrics.ObserveFetch(time.Since(start), len(counts))
	}
	if err != nil {
		return nil, fmt.Errorf("fetch hourly counts: %w", err)
	}
	return counts, nil
}

func (r *Runner) apply(ctx context.Context, report *Report, logger *zap.Logger) error {
	res := report.Result
	at := r.now()

	if err := r.opts.Store.Append(ctx, state.Entry{Timestamp: at, Value: res.EMA, RunID: report.RunID}); err != nil {
		return fmt.Errorf("save EMA: %w", err)
	}

	change, err := r.opts.Rule.Update(report.TriggerCount)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if change.HadPrevious {
		report.PreviousTriggerCount = &change.Previous
	}
	logger.Debug("rule updated",
		zap.String("path", change.Path),
		zap.String("field", change.Field),
		zap.Int("value", change.Value),
	)

	err = r.opts.Audit.Log(audit.Event{
		Timestamp:    at,
		RunID:        report.RunID,
		EMA:          res.EMA,
		StdDev:       res.StdDev,
		Threshold:    res.Threshold,
		TriggerCount: report.TriggerCount,
	})
	if err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (r *Runner) outcome(o string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SetOutcome(o, r.now())
	}
}

// IsInsufficientData reports whether err means the run was skipped for
// lack of data.
func IsInsufficientData(err error) bool {
	return errors.Is(err, threshold.ErrInsufficientData)
}
