package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpeters/chargetrack/backend/models"
)

func samplesFrom(powers ...float64) []models.PowerSample {
	base := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	samples := make([]models.PowerSample, len(powers))
	for i, p := range powers {
		samples[i] = models.PowerSample{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			PowerKW:   p,
		}
	}
	return samples
}

func TestExtractFeaturesEmpty(t *testing.T) {
	assert.Nil(t, ExtractFeatures(nil))
	assert.Nil(t, ExtractFeatures([]models.PowerSample{}))
}

func TestExtractFeaturesSingleSample(t *testing.T) {
	fv := ExtractFeatures(samplesFrom(7.2))
	require.NotNil(t, fv)

	assert.Equal(t, 7.2, fv.Mean)
	assert.Equal(t, 7.2, fv.P25)
	assert.Equal(t, 7.2, fv.P75)
	assert.Zero(t, fv.CV)
	assert.Zero(t, fv.IQR)
}

func TestExtractFeaturesKnownValues(t *testing.T) {
	// Five evenly spaced values: quartiles land exactly on ranks.
	fv := ExtractFeatures(samplesFrom(1, 2, 3, 4, 5))
	require.NotNil(t, fv)

	assert.InDelta(t, 3.0, fv.Mean, 1e-9)
	assert.InDelta(t, 2.0, fv.P25, 1e-9)
	assert.InDelta(t, 4.0, fv.P75, 1e-9)
	assert.InDelta(t, 2.0, fv.IQR, 1e-9)

	// Population stddev of 1..5 is sqrt(2).
	assert.InDelta(t, 1.4142135623/3.0, fv.CV, 1e-6)
}

func TestExtractFeaturesPercentileInterpolation(t *testing.T) {
	// Four values: p25 rank is 0.75, between 1 and 2.
	fv := ExtractFeatures(samplesFrom(1, 2, 3, 4))
	require.NotNil(t, fv)

	assert.InDelta(t, 1.75, fv.P25, 1e-9)
	assert.InDelta(t, 3.25, fv.P75, 1e-9)
	assert.InDelta(t, 1.5, fv.IQR, 1e-9)
}

func TestExtractFeaturesOrderIndependent(t *testing.T) {
	a := ExtractFeatures(samplesFrom(9.1, 8.7, 9.4, 8.9))
	b := ExtractFeatures(samplesFrom(8.7, 8.9, 9.1, 9.4))
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, *a, *b)
}

func TestExtractFeaturesConstantPower(t *testing.T) {
	fv := ExtractFeatures(samplesFrom(9.0, 9.0, 9.0, 9.0, 9.0))
	require.NotNil(t, fv)

	assert.Equal(t, 9.0, fv.Mean)
	assert.Zero(t, fv.CV)
	assert.Zero(t, fv.IQR)
}
