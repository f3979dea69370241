package classifier

import (
	"math"

	"github.com/kpeters/chargetrack/backend/models"
)

// Distance weights. Mean power is the strongest signal between vehicles,
// the curve's coefficient of variation next, percentile spread last.
const (
	weightMean = 3.0
	weightCV   = 1.5
	weightIQR  = 1.0

	// Profiles closer than this are considered equidistant.
	tieEpsilon = 1e-3

	// Confidence decay rate: exp(-confidenceScale * distance).
	confidenceScale = 2.0
)

// Result is the classifier's verdict for one session.
type Result struct {
	VehicleID  string  `json:"vehicle_id"`
	Confidence float64 `json:"confidence"`
	Distance   float64 `json:"distance"`
}

// Unclassified reports whether no vehicle could be assigned.
func (r Result) Unclassified() bool {
	return r.VehicleID == ""
}

// Classify matches a feature vector against the given profiles and returns
// the nearest centroid with a confidence in [0,1]. The registry is always
// passed in explicitly; there is no process-wide profile state.
//
// A nil feature vector (empty sample set) or an empty registry yields an
// unclassified result with confidence 0 - never an error.
func Classify(features *models.FeatureVector, profiles []models.VehicleProfile) Result {
	if features == nil || len(profiles) == 0 {
		return Result{}
	}

	best := -1
	bestDist := math.Inf(1)
	tied := false

	for i, p := range profiles {
		d := distance(features, p.Centroid)

		switch {
		case d < bestDist-tieEpsilon:
			best, bestDist, tied = i, d, false
		case math.Abs(d-bestDist) <= tieEpsilon:
			// Equidistant: the profile with more reference data wins.
			if best >= 0 && p.SampleCount > profiles[best].SampleCount {
				best, bestDist, tied = i, d, false
			} else if best >= 0 && p.SampleCount == profiles[best].SampleCount {
				tied = true
			}
		}
	}

	if best < 0 || tied {
		// Still tied after the sample-count prior: report unclassified
		// rather than guessing.
		return Result{}
	}

	return Result{
		VehicleID:  profiles[best].VehicleID,
		Confidence: confidence(bestDist),
		Distance:   bestDist,
	}
}

// distance is the weighted feature distance to a centroid. The mean term is
// normalized by the centroid's mean so a 10 kW vehicle and a 3 kW vehicle
// are compared on the same scale.
func distance(f *models.FeatureVector, c models.Centroid) float64 {
	meanScale := math.Max(c.MeanKW, 0.1)
	d := weightMean * math.Abs(f.Mean-c.MeanKW) / meanScale
	d += weightCV * math.Abs(f.CV-c.CV)
	d += weightIQR * math.Abs(f.IQR-c.IQR)
	return d
}

// confidence maps distance to (0,1], monotonically decreasing, 1.0 at an
// exact centroid match.
func confidence(dist float64) float64 {
	c := math.Exp(-confidenceScale * dist)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
