package classifier

import (
	"math"
	"sort"

	"github.com/kpeters/chargetrack/backend/models"
)

// ExtractFeatures reduces a power curve to the statistics the classifier
// compares against vehicle centroids. Returns nil for an empty sample set;
// callers treat nil as "no features" and skip classification instead of
// fabricating values.
func ExtractFeatures(samples []models.PowerSample) *models.FeatureVector {
	if len(samples) == 0 {
		return nil
	}

	powers := make([]float64, len(samples))
	for i, s := range samples {
		powers[i] = s.PowerKW
	}

	mean := meanOf(powers)

	fv := &models.FeatureVector{
		Mean: mean,
		P25:  percentile(powers, 25),
		P75:  percentile(powers, 75),
	}
	fv.IQR = fv.P75 - fv.P25

	// CV and IQR are 0 by definition for a single sample.
	if len(powers) > 1 && mean != 0 {
		fv.CV = stddevOf(powers, mean) / mean
	}

	return fv
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stddevOf(values []float64, mean float64) float64 {
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// percentile computes the p-th percentile with linear interpolation between
// the two nearest ranks.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
