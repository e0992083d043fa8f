// Package threshold computes adaptive alert thresholds from hourly log counts.
// The smoothed level is an exponential moving average seeded either from the
// first observation or from the EMA persisted by the previous run; the margin
// is K times the sample standard deviation of the most recent period.
package threshold

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultPeriod is the EMA period N used when none is configured.
	DefaultPeriod = 3
	// DefaultK is the default volatility multiplier.
	DefaultK = 1.5
)

var (
	// ErrInsufficientData is returned when the count series is shorter than the period.
	ErrInsufficientData = errors.New("not enough data to calculate EMA")
	// ErrInsufficientVariance is returned when a standard deviation is requested
	// over fewer than two samples.
	ErrInsufficientVariance = errors.New("insufficient variance data")
	// ErrInvalidPeriod is returned for periods that cannot produce a sample
	// standard deviation.
	ErrInvalidPeriod = errors.New("period must be at least 2")
)

// Seed is the EMA carried over from a previous run.
type Seed struct {
	Value float64
	Valid bool
}

// SeedFrom builds a Seed from the (value, ok) pair returned by a state store.
func SeedFrom(value float64, ok bool) Seed {
	return Seed{Value: value, Valid: ok}
}

// Result holds the output of one threshold computation.
type Result struct {
	// EMA is the final smoothed value ema[m-1].
	EMA float64 `json:"ema"`
	// StdDev is the sample standard deviation of the last Period counts.
	StdDev float64 `json:"stddev"`
	// Threshold is EMA + K*StdDev at full precision.
	Threshold float64 `json:"threshold"`
	// Samples is the length of the count series.
	Samples int `json:"samples"`
	// Seeded reports whether a previous EMA was blended into ema[0].
	Seeded bool `json:"seeded"`
}

// TriggerCount truncates the threshold toward zero.
func (r Result) TriggerCount() int {
	return int(math.Trunc(r.Threshold))
}

// Calculator computes thresholds for a fixed period and multiplier.
type Calculator struct {
	period int
	k      float64
	alpha  float64
}

// New creates a calculator. Period must be at least 2 and k non-negative.
func New(period int, k float64) (*Calculator, error) {
	if period < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPeriod, period)
	}
	if k < 0 || math.IsNaN(k) || math.IsInf(k, 0) {
		return nil, fmt.Errorf("volatility multiplier must be a non-negative number: got %v", k)
	}
	return &Calculator{
		period: period,
		k:      k,
		alpha:  Alpha(period),
	}, nil
}

// Period returns the configured EMA period.
func (c *Calculator) Period() int {
	return c.period
}

// K returns the volatility multiplier.
func (c *Calculator) K() float64 {
	return c.k
}

// Compute returns the EMA, standard deviation and threshold for counts.
// counts must hold at least Period entries.
func (c *Calculator) Compute(counts []int64, seed Seed) (Result, error) {
	if len(counts) < c.period {
		return Result{}, fmt.Errorf("%w: have %d hourly buckets, need %d", ErrInsufficientData, len(counts), c.period)
	}

	ema := EMA(counts, c.alpha, seed)

	stddev, err := SampleStdDev(counts[len(counts)-c.period:])
	if err != nil {
		return Result{}, err
	}

	threshold := ema + c.k*stddev
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return Result{}, fmt.Errorf("threshold is not finite (ema=%v, stddev=%v)", ema, stddev)
	}

	return Result{
		EMA:       ema,
		StdDev:    stddev,
		Threshold: threshold,
		Samples:   len(counts),
		Seeded:    seed.Valid,
	}, nil
}
