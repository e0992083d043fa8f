package threshold

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// genCounts draws an hourly count series at least minLen long.
func genCounts(t *rapid.T, minLen int) []int64 {
	return rapid.SliceOfN(rapid.Int64Range(0, 50000), minLen, 200).Draw(t, "counts")
}

func genSeed(t *rapid.T) Seed {
	if !rapid.Bool().Draw(t, "seeded") {
		return Seed{}
	}
	return Seed{Value: rapid.Float64Range(0, 50000).Draw(t, "seed"), Valid: true}
}

func TestProperty_ComputeIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		period := rapid.IntRange(2, 24).Draw(t, "period")
		k := rapid.Float64Range(0, 5).Draw(t, "k")
		counts := genCounts(t, period)
		seed := genSeed(t)

		calc, err := New(period, k)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		a, err := calc.Compute(counts, seed)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		b, err := calc.Compute(append([]int64(nil), counts...), seed)
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if math.Float64bits(a.EMA) != math.Float64bits(b.EMA) ||
			math.Float64bits(a.StdDev) != math.Float64bits(b.StdDev) ||
			math.Float64bits(a.Threshold) != math.Float64bits(b.Threshold) {
			t.Fatalf("results differ: %+v vs %+v", a, b)
		}
	})
}

func TestProperty_EMAStaysWithinObservedRange(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		period := rapid.IntRange(2, 24).Draw(t, "period")
		counts := genCounts(t, 1)
		seed := genSeed(t)

		lo, hi := float64(counts[0]), float64(counts[0])
		for _, c := range counts {
			lo = math.Min(lo, float64(c))
			hi = math.Max(hi, float64(c))
		}
		if seed.Valid {
			lo = math.Min(lo, seed.Value)
			hi = math.Max(hi, seed.Value)
		}

		ema := EMA(counts, Alpha(period), seed)
		tol := 1e-9 * math.Max(1, hi)
		if ema < lo-tol || ema > hi+tol {
			t.Fatalf("EMA %v outside [%v, %v]", ema, lo, hi)
		}
	})
}

func TestProperty_ThresholdIsEMAPlusMargin(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		period := rapid.IntRange(2, 24).Draw(t, "period")
		k := rapid.Float64Range(0, 5).Draw(t, "k")
		counts := genCounts(t, period)

		calc, _ := New(period, k)
		res, err := calc.Compute(counts, genSeed(t))
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		want := res.EMA + k*res.StdDev
		if math.Abs(res.Threshold-want) > 1e-9*math.Max(1, want) {
			t.Fatalf("threshold %v != %v + %v*%v", res.Threshold, res.EMA, k, res.StdDev)
		}
		if res.Threshold < res.EMA {
			t.Fatalf("threshold %v below EMA %v", res.Threshold, res.EMA)
		}
	})
}

func TestProperty_ConstantSeriesHasNoMargin(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		period := rapid.IntRange(2, 24).Draw(t, "period")
		value := rapid.Int64Range(0, 50000).Draw(t, "value")
		n := rapid.IntRange(period, 100).Draw(t, "n")

		counts := make([]int64, n)
		for i := range counts {
			counts[i] = value
		}

		calc, _ := New(period, rapid.Float64Range(0, 5).Draw(t, "k"))
		res, err := calc.Compute(counts, Seed{})
		if err != nil {
			t.Fatalf("Compute: %v", err)
		}
		if res.StdDev != 0 {
			t.Fatalf("StdDev = %v, want 0", res.StdDev)
		}
		if math.Abs(res.Threshold-float64(value)) > 1e-9*math.Max(1, float64(value)) {
			t.Fatalf("Threshold = %v, want %v", res.Threshold, value)
		}
	})
}

func TestProperty_SeedOnlyAffectsFirstBlend(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		period := rapid.IntRange(2, 24).Draw(t, "period")
		counts := genCounts(t, 1)
		seed := rapid.Float64Range(0, 50000).Draw(t, "seed")
		alpha := Alpha(period)

		series := EMASeries(counts, alpha, Seed{Value: seed, Valid: true})
		want := alpha*float64(counts[0]) + (1-alpha)*seed
		if math.Abs(series[0]-want) > 1e-9*math.Max(1, want) {
			t.Fatalf("ema[0] = %v, want %v", series[0], want)
		}
	})
}
