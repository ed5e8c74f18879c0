package risk

import (
	"math"

	"amews/internal/model"
)

// WindowStats is a single-pass aggregate over an event window. Rules and
// feature extraction both read from it so the window is only walked once.
type WindowStats struct {
	Count            int
	ElapsedHours     float64
	DistinctRegions  int
	DistinctServices int
	FailureCount     int
	FailureRatio     float64
	FallbackCount    int
	FallbackRatio    float64
	OTPCount         int
	OTPRatio         float64
	OffHoursCount    int
	OffHoursRatio    float64
	RetryMean        float64
	RetryMax         int
	HighRetryCount   int
	HourStd          float64
	SessionMean      float64
	SessionStd       float64
}

// Aggregate computes WindowStats for a window. An empty window yields the
// zero value.
func Aggregate(events []model.AuthEvent) WindowStats {
	var s WindowStats
	s.Count = len(events)
	if s.Count == 0 {
		return s
	}

	regions := make(map[string]struct{}, 4)
	services := make(map[string]struct{}, 4)
	minTS := events[0].Timestamp
	maxTS := events[0].Timestamp

	var retrySum int
	var hourN int
	var hourMean, hourM2 float64
	var sessN int
	var sessMean, sessM2 float64

	for _, ev := range events {
		if ev.Timestamp.Before(minTS) {
			minTS = ev.Timestamp
		}
		if ev.Timestamp.After(maxTS) {
			maxTS = ev.Timestamp
		}
		regions[ev.RegionCode] = struct{}{}
		services[ev.ServiceCategory] = struct{}{}
		if ev.Outcome == model.OutcomeFailure {
			s.FailureCount++
		}
		if ev.Fallback {
			s.FallbackCount++
		}
		if ev.AuthMethod == model.AuthOTP {
			s.OTPCount++
		}
		if model.OffHour(ev.HourOfDay) {
			s.OffHoursCount++
		}
		retrySum += ev.RetryCount
		if ev.RetryCount > s.RetryMax {
			s.RetryMax = ev.RetryCount
		}
		if ev.RetryCount >= 3 {
			s.HighRetryCount++
		}

		hourN++
		hd := float64(ev.HourOfDay) - hourMean
		hourMean += hd / float64(hourN)
		hourM2 += hd * (float64(ev.HourOfDay) - hourMean)

		sessN++
		sd := float64(ev.SessionDurationMS) - sessMean
		sessMean += sd / float64(sessN)
		sessM2 += sd * (float64(ev.SessionDurationMS) - sessMean)
	}

	n := float64(s.Count)
	s.ElapsedHours = maxTS.Sub(minTS).Hours()
	s.DistinctRegions = len(regions)
	s.DistinctServices = len(services)
	s.FailureRatio = float64(s.FailureCount) / n
	s.FallbackRatio = float64(s.FallbackCount) / n
	s.OTPRatio = float64(s.OTPCount) / n
	s.OffHoursRatio = float64(s.OffHoursCount) / n
	s.RetryMean = float64(retrySum) / n
	s.SessionMean = sessMean
	if s.Count > 1 {
		s.HourStd = math.Sqrt(hourM2 / n)
		s.SessionStd = math.Sqrt(sessM2 / n)
	}
	return s
}

// CurrentMetrics derives the live-window metrics handed to the baseline
// engine for deviation measurement.
func (s WindowStats) CurrentMetrics(windowHours int) model.CurrentMetrics {
	if windowHours <= 0 {
		windowHours = 24
	}
	return model.CurrentMetrics{
		FailureRate:   s.FailureRatio,
		AuthFrequency: float64(s.Count) / float64(windowHours),
		RetryRate:     s.RetryMean,
		OffHoursRate:  s.OffHoursRatio,
	}
}
