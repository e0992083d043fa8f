// Package metrics records the outcome of a tuning run as Prometheus metrics.
//
// A run is a short-lived batch job, so metrics are collected in a private
// registry and exported once at the end, either to a node_exporter textfile
// or to a Pushgateway.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

const (
	namespace = "blazetune"

	lastSuccessName = namespace + "_last_success_timestamp_seconds"
)

// Run outcomes reported by the run_status gauge.
const (
	OutcomeSuccess          = "success"
	OutcomeDryRun           = "dry_run"
	OutcomeInsufficientData = "insufficient_data"
	OutcomeFailure          = "failure"
)

var outcomes = []string{OutcomeSuccess, OutcomeDryRun, OutcomeInsufficientData, OutcomeFailure}

// Recorder holds the metrics of one run.
type Recorder struct {
	registry *prometheus.Registry
	// lastSuccessSet is true once LastSuccess holds a real timestamp and
	// has been registered.
	lastSuccessSet bool

	// EMA is the smoothed hourly count computed by the run.
	EMA prometheus.Gauge
	// StdDev is the sample standard deviation of the last period.
	StdDev prometheus.Gauge
	// Threshold is EMA plus the volatility margin.
	Threshold prometheus.Gauge
	// TriggerCount is the value written to the rule.
	TriggerCount prometheus.Gauge
	// Buckets is the number of hourly buckets returned by the source.
	Buckets prometheus.Gauge
	// RunStatus is 1 for the outcome of this run and 0 for the others.
	RunStatus *prometheus.GaugeVec
	// LastSuccess is the Unix time of the last successful update. It is
	// only exported once known, so a failed run never reports 0.
	LastSuccess prometheus.Gauge
	// FetchDuration tracks the count query latency.
	FetchDuration prometheus.Histogram
	// BuildInfo exposes build information.
	BuildInfo *prometheus.GaugeVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		EMA: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ema",
			Help:      "Exponential moving average of hourly event counts",
		}),
		StdDev: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stddev",
			Help:      "Sample standard deviation of the most recent period",
		}),
		Threshold: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "threshold",
			Help:      "Adaptive alert threshold before truncation",
		}),
		TriggerCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trigger_count",
			Help:      "Trigger count written to the alerting rule",
		}),
		Buckets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buckets",
			Help:      "Hourly buckets returned by the log backend",
		}),
		RunStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_status",
			Help:      "Outcome of the last run (1 for the current outcome)",
		}, []string{"outcome"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: lastSuccessName,
			Help: "Unix time of the last successful threshold update",
		}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Log backend query latency in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		}, []string{"version", "commit", "build_time"}),
	}
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SetBuildInfo sets the build info metric.
func (r *Recorder) SetBuildInfo(version, commit, buildTime string) {
	r.BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// ObserveFetch records a count query.
func (r *Recorder) ObserveFetch(d time.Duration, buckets int) {
	r.FetchDuration.Observe(d.Seconds())
	r.Buckets.Set(float64(buckets))
}

// ObserveResult records computed values.
func (r *Recorder) ObserveResult(ema, stddev, threshold float64, triggerCount int) {
	r.EMA.Set(ema)
	r.StdDev.Set(stddev)
	r.Threshold.Set(threshold)
	r.TriggerCount.Set(float64(triggerCount))
}

// SetOutcome marks the run outcome. A success also stamps LastSuccess.
func (r *Recorder) SetOutcome(outcome string, now time.Time) {
	for _, o := range outcomes {
		v := 0.0
		if o == outcome {
			v = 1
		}
		r.RunStatus.WithLabelValues(o).Set(v)
	}
	if outcome == OutcomeSuccess {
		r.setLastSuccess(float64(now.Unix()))
	}
}

func (r *Recorder) setLastSuccess(v float64) {
	r.LastSuccess.Set(v)
	if !r.lastSuccessSet {
		r.registry.MustRegister(r.LastSuccess)
		r.lastSuccessSet = true
	}
}

// previousLastSuccess reads the last success timestamp from an existing
// textfile. ok is false when the file or the metric is absent, or the file
// does not parse; it is about to be replaced either way.
func previousLastSuccess(path string) (float64, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer f.Close()

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return 0, false, nil
	}
	mf, found := families[lastSuccessName]
	if !found || len(mf.GetMetric()) == 0 || mf.GetMetric()[0].GetGauge() == nil {
		return 0, false, nil
	}
	return mf.GetMetric()[0].GetGauge().GetValue(), true, nil
}

// WriteTextfile writes all metrics to path in the text exposition format,
// replacing the file atomically. When this run did not succeed, the last
// success timestamp already in the file is carried over.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create textfile directory: %w", err)
	}
	if !r.lastSuccessSet {
		prev, ok, err := previousLastSuccess(path)
		if err != nil {
			return fmt.Errorf("read previous metrics textfile: %w", err)
		}
		if ok {
			r.setLastSuccess(prev)
		}
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Push sends all metrics to the Pushgateway at url under job. A successful
// run replaces the job's group; any other run only replaces the metrics it
// carries, so the group keeps its last success timestamp.
func (r *Recorder) Push(ctx context.Context, url, job string) error {
	pusher := push.New(url, job).Gatherer(r.registry)

	var err error
	if r.lastSuccessSet {
		err = pusher.PushContext(ctx)
	} else {
		err = pusher.AddContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
