package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kpeters/chargetrack/backend/models"
)

func testProfiles() []models.VehicleProfile {
	return []models.VehicleProfile{
		{
			VehicleID:   "volvo_xc40",
			DisplayName: "Volvo XC40",
			Centroid:    models.Centroid{MeanKW: 8.50, CV: 0.074, IQR: 0.45},
			SampleCount: 62,
		},
		{
			VehicleID:   "chevy_equinox",
			DisplayName: "Chevy Equinox EV",
			Centroid:    models.Centroid{MeanKW: 9.01, CV: 0.014, IQR: 0.12},
			SampleCount: 48,
		},
	}
}

func TestClassifyVolvoCurve(t *testing.T) {
	features := &models.FeatureVector{Mean: 8.50, CV: 0.074, IQR: 0.45}

	result := Classify(features, testProfiles())

	assert.Equal(t, "volvo_xc40", result.VehicleID)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestClassifyEquinoxCurve(t *testing.T) {
	features := &models.FeatureVector{Mean: 9.01, CV: 0.014, IQR: 0.12}

	result := Classify(features, testProfiles())

	assert.Equal(t, "chevy_equinox", result.VehicleID)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestClassifyNearbyCurveStillMatches(t *testing.T) {
	// A noisy Volvo curve: slightly off on every feature.
	features := &models.FeatureVector{Mean: 8.42, CV: 0.081, IQR: 0.50}

	result := Classify(features, testProfiles())

	assert.Equal(t, "volvo_xc40", result.VehicleID)
	assert.Greater(t, result.Confidence, 0.0)
	assert.Less(t, result.Confidence, 1.0)
}

func TestClassifyNilFeatures(t *testing.T) {
	result := Classify(nil, testProfiles())

	assert.True(t, result.Unclassified())
	assert.Zero(t, result.Confidence)
}

func TestClassifyEmptyRegistry(t *testing.T) {
	features := &models.FeatureVector{Mean: 8.50, CV: 0.074, IQR: 0.45}

	result := Classify(features, nil)

	assert.True(t, result.Unclassified())
	assert.Zero(t, result.Confidence)
}

func TestClassifyTieBrokenBySampleCount(t *testing.T) {
	profiles := []models.VehicleProfile{
		{VehicleID: "a", Centroid: models.Centroid{MeanKW: 8.0, CV: 0.05, IQR: 0.3}, SampleCount: 10},
		{VehicleID: "b", Centroid: models.Centroid{MeanKW: 8.0, CV: 0.05, IQR: 0.3}, SampleCount: 40},
	}
	features := &models.FeatureVector{Mean: 8.0, CV: 0.05, IQR: 0.3}

	result := Classify(features, profiles)

	assert.Equal(t, "b", result.VehicleID)
}

func TestClassifyExactTieIsUnclassified(t *testing.T) {
	profiles := []models.VehicleProfile{
		{VehicleID: "a", Centroid: models.Centroid{MeanKW: 8.0, CV: 0.05, IQR: 0.3}, SampleCount: 25},
		{VehicleID: "b", Centroid: models.Centroid{MeanKW: 8.0, CV: 0.05, IQR: 0.3}, SampleCount: 25},
	}
	features := &models.FeatureVector{Mean: 8.0, CV: 0.05, IQR: 0.3}

	result := Classify(features, profiles)

	assert.True(t, result.Unclassified())
}

func TestClassifyDeterministic(t *testing.T) {
	features := &models.FeatureVector{Mean: 8.7, CV: 0.05, IQR: 0.3}
	profiles := testProfiles()

	first := Classify(features, profiles)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Classify(features, profiles))
	}
}

func TestConfidenceDecreasesWithDistance(t *testing.T) {
	profiles := testProfiles()

	near := Classify(&models.FeatureVector{Mean: 8.50, CV: 0.074, IQR: 0.45}, profiles)
	far := Classify(&models.FeatureVector{Mean: 7.80, CV: 0.12, IQR: 0.9}, profiles)

	assert.Equal(t, "volvo_xc40", near.VehicleID)
	assert.Equal(t, "volvo_xc40", far.VehicleID)
	assert.Greater(t, near.Confidence, far.Confidence)
}

func TestClassifyConfidenceInRange(t *testing.T) {
	features := &models.FeatureVector{Mean: 1.2, CV: 0.9, IQR: 3.0}

	result := Classify(features, testProfiles())

	assert.GreaterOrEqual(t, result.Confidence, 0.0)
	assert.LessOrEqual(t, result.Confidence, 1.0)
}
