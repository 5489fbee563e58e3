package stats

import (
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Interval is a bootstrap confidence interval of a measure.
type Interval struct {
	Lower  float64
	Upper  float64
	StdDev float64
	Mean   float64
}

// Bootstrap resamples values with replacement sampleSize times and returns
// the confidence interval of measure over the resamples.
func Bootstrap(rng *rand.Rand, values []float64, measure func([]float64) float64, sampleSize int,
	confidence float64) Interval {

	if len(values) == 0 || sampleSize <= 0 {
		return Interval{}
	}

	data := make([]float64, 0, sampleSize)
	sample := make([]float64, len(values))
	for i := 0; i < sampleSize; i++ {
		for j := range sample {
			sample[j] = values[rng.Intn(len(values))]
		}
		data = append(data, measure(sample))
	}

	tail := 1 - confidence
	sort.Float64s(data)

	mean, stdDev := stat.MeanStdDev(data, nil)
	return Interval{
		Lower:  stat.Quantile(tail/2, stat.LinInterp, data, nil),
		Upper:  stat.Quantile(1-tail/2, stat.LinInterp, data, nil),
		StdDev: stdDev,
		Mean:   mean,
	}
}

// MeanOf is a measure for Bootstrap.
func MeanOf(values []float64) float64 {
	return stat.Mean(values, nil)
}
