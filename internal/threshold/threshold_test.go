package threshold

import (
	"errors"
	"math"
	"testing"
)

const epsilon = 1e-9

func TestEMASeries_NoSeed(t *testing.T) {
	counts := []int64{2, 4, 3, 6, 5}
	want := []float64{2, 3, 3, 4.5, 4.75}

	got := EMASeries(counts, Alpha(3), Seed{})
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > epsilon {
			t.Errorf("ema[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if ema := EMA(counts, Alpha(3), Seed{}); ema != 4.75 {
		t.Errorf("EMA = %v, want 4.75", ema)
	}
}

func TestEMA_SeedBlendsWithFirstObservation(t *testing.T) {
	got := EMA([]int64{10}, Alpha(3), Seed{Value: 5, Valid: true})
	if got != 7.5 {
		t.Errorf("ema[0] = %v, want 7.5", got)
	}

	// Without a seed the first observation is used verbatim.
	if got := EMA([]int64{10}, Alpha(3), Seed{}); got != 10 {
		t.Errorf("unseeded ema[0] = %v, want 10", got)
	}
}

func TestEMA_Empty(t *testing.T) {
	if got := EMA(nil, Alpha(3), Seed{Value: 12, Valid: true}); got != 0 {
		t.Errorf("EMA(nil) = %v, want 0", got)
	}
}

func TestAlpha(t *testing.T) {
	tests := []struct {
		period int
		want   float64
	}{
		{1, 1},
		{3, 0.5},
		{4, 0.4},
		{9, 0.2},
	}
	for _, tt := range tests {
		if got := Alpha(tt.period); math.Abs(got-tt.want) > epsilon {
			t.Errorf("Alpha(%d) = %v, want %v", tt.period, got, tt.want)
		}
	}
}

func TestSampleStdDev(t *testing.T) {
	tests := []struct {
		name    string
		xs      []int64
		want    float64
		wantErr error
	}{
		{"consecutive", []int64{4, 5, 6}, 1, nil},
		{"outlier", []int64{4, 5, 100}, 55.1392, nil},
		{"constant", []int64{7, 7, 7, 7}, 0, nil},
		{"pair", []int64{0, 2}, math.Sqrt2, nil},
		{"single", []int64{3}, 0, ErrInsufficientVariance},
		{"empty", nil, 0, ErrInsufficientVariance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SampleStdDev(tt.xs)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if math.Abs(got-tt.want) > 1e-4 {
				t.Errorf("stddev = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculator_UsesLastPeriodForStdDev(t *testing.T) {
	calc, err := New(3, 1.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := calc.Compute([]int64{1, 2, 3, 4, 5, 100}, Seed{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if math.Abs(res.StdDev-55.14) > 0.01 {
		t.Errorf("StdDev = %.4f, want ~55.14 (stdev of [4 5 100])", res.StdDev)
	}
}

func TestCalculator_Threshold(t *testing.T) {
	calc, err := New(3, 1.5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := calc.Compute([]int64{0, 4, 5, 6}, Seed{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.EMA != 4.75 {
		t.Errorf("EMA = %v, want 4.75", res.EMA)
	}
	if res.StdDev != 1 {
		t.Errorf("StdDev = %v, want 1", res.StdDev)
	}
	if res.Threshold != 6.25 {
		t.Errorf("Threshold = %v, want 6.25", res.Threshold)
	}
	if res.TriggerCount() != 6 {
		t.Errorf("TriggerCount = %d, want 6", res.TriggerCount())
	}
	if res.Seeded {
		t.Error("Seeded = true, want false")
	}
	if res.Samples != 4 {
		t.Errorf("Samples = %d, want 4", res.Samples)
	}
}

func TestCalculator_Seeded(t *testing.T) {
	calc, _ := New(3, 0)

	res, err := calc.Compute([]int64{10, 10, 10}, Seed{Value: 2, Valid: true})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// 6, 8, 9
	if res.EMA != 9 {
		t.Errorf("EMA = %v, want 9", res.EMA)
	}
	if res.Threshold != res.EMA {
		t.Errorf("Threshold = %v, want EMA with k=0 and zero variance", res.Threshold)
	}
	if !res.Seeded {
		t.Error("Seeded = false, want true")
	}
}

func TestCalculator_InsufficientData(t *testing.T) {
	calc, _ := New(3, 1.5)

	_, err := calc.Compute([]int64{1, 2}, Seed{})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		period  int
		k       float64
		wantErr bool
	}{
		{"defaults", DefaultPeriod, DefaultK, false},
		{"zero k", 5, 0, false},
		{"period one", 1, 1.5, true},
		{"period zero", 0, 1.5, true},
		{"negative k", 3, -1, true},
		{"nan k", 3, math.NaN(), true},
		{"inf k", 3, math.Inf(1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc, err := New(tt.period, tt.k)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New(%d, %v) error = %v, wantErr %v", tt.period, tt.k, err, tt.wantErr)
			}
			if !tt.wantErr && (calc.Period() != tt.period || calc.K() != tt.k) {
				t.Errorf("calculator = (%d, %v), want (%d, %v)", calc.Period(), calc.K(), tt.period, tt.k)
			}
		})
	}

	if _, err := New(1, 1); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("New(1, 1) error = %v, want ErrInvalidPeriod", err)
	}
}

func TestTriggerCount_Truncates(t *testing.T) {
	tests := []struct {
		threshold float64
		want      int
	}{
		{6.25, 6},
		{6.99, 6},
		{7, 7},
		{0.5, 0},
	}
	for _, tt := range tests {
		if got := (Result{Threshold: tt.threshold}).TriggerCount(); got != tt.want {
			t.Errorf("TriggerCount(%v) = %d, want %d", tt.threshold, got, tt.want)
		}
	}
}

func TestSeedFrom(t *testing.T) {
	if s := SeedFrom(3.5, true); !s.Valid || s.Value != 3.5 {
		t.Errorf("SeedFrom(3.5, true) = %+v", s)
	}
	if s := SeedFrom(0, false); s.Valid {
		t.Errorf("SeedFrom(0, false) = %+v, want invalid", s)
	}
}

func BenchmarkCompute(b *testing.B) {
	calc, _ := New(DefaultPeriod, DefaultK)
	counts := make([]int64, 168)
	for i := range counts {
		counts[i] = int64(i % 37)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Compute(counts, Seed{Value: 12, Valid: true})
	}
}
