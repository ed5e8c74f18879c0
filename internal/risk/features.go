package risk

import "math"

// FeatureCount is the width of the vector the anomaly model consumes.
const FeatureCount = 12

// ExtractFeatures maps a window aggregate to the fixed-order feature
// vector. Order is part of the persisted model contract; never reorder.
func ExtractFeatures(s WindowStats) []float64 {
	v := []float64{
		float64(s.Count),
		s.RetryMean,
		float64(s.RetryMax),
		s.FallbackRatio,
		s.FailureRatio,
		s.HourStd,
		float64(s.DistinctRegions),
		float64(s.DistinctServices),
		s.SessionMean,
		s.SessionStd,
		s.OffHoursRatio,
		s.OTPRatio,
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}
