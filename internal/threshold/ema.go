package threshold

import "math"

// Alpha returns the smoothing factor 2/(N+1) for an EMA period.
func Alpha(period int) float64 {
	return 2 / float64(period+1)
}

// EMA returns the final value of the exponential moving average over counts.
// Without a seed the series starts at counts[0]; with one, counts[0] is
// blended with the seed like any later observation. Returns 0 for an empty
// series.
func EMA(counts []int64, alpha float64, seed Seed) float64 {
	series := EMASeries(counts, alpha, seed)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}

// EMASeries returns every intermediate EMA value.
func EMASeries(counts []int64, alpha float64, seed Seed) []float64 {
	out := make([]float64, 0, len(counts))
	for i, c := range counts {
		x := float64(c)
		var ema float64
		switch {
		case i == 0 && !seed.Valid:
			ema = x
		case i == 0:
			ema = alpha*x + (1-alpha)*seed.Value
		default:
			ema = alpha*x + (1-alpha)*out[i-1]
		}
		out = append(out, ema)
	}
	return out
}

// SampleStdDev returns the Bessel-corrected standard deviation of xs.
func SampleStdDev(xs []int64) (float64, error) {
	n := len(xs)
	if n < 2 {
		return 0, ErrInsufficientVariance
	}

	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(n)

	var sq float64
	for _, x := range xs {
		d := float64(x) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n-1)), nil
}
