package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"amews/internal/model"
)

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.ElapsedHours)
	assert.Zero(t, s.RetryMean)
}

func TestAggregateCounts(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour)
	events := make([]model.AuthEvent, 0, 4)
	for i := 0; i < 4; i++ {
		ev := benignEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * 20 * time.Minute)
		events = append(events, ev)
	}
	events[0].Outcome = model.OutcomeFailure
	events[1].RetryCount = 4
	events[2].AuthMethod = model.AuthOTP
	events[2].Fallback = true
	events[3].HourOfDay = 23
	events[3].RegionCode = "R-02"

	s := Aggregate(events)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 1.0, s.ElapsedHours, 0.001)
	assert.Equal(t, 2, s.DistinctRegions)
	assert.Equal(t, 1, s.DistinctServices)
	assert.InDelta(t, 0.25, s.FailureRatio, 0.001)
	assert.InDelta(t, 0.25, s.FallbackRatio, 0.001)
	assert.InDelta(t, 0.25, s.OTPRatio, 0.001)
	assert.InDelta(t, 0.25, s.OffHoursRatio, 0.001)
	assert.InDelta(t, 1.0, s.RetryMean, 0.001)
	assert.Equal(t, 4, s.RetryMax)
	assert.Equal(t, 1, s.HighRetryCount)
	assert.InDelta(t, 5000, s.SessionMean, 0.001)
}

func TestCurrentMetrics(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour)
	events := make([]model.AuthEvent, 0, 12)
	for i := 0; i < 12; i++ {
		ev := benignEvent(i, base)
		if i < 3 {
			ev.Outcome = model.OutcomeFailure
		}
		events = append(events, ev)
	}
	m := Aggregate(events).CurrentMetrics(24)
	assert.InDelta(t, 0.25, m.FailureRate, 0.001)
	assert.InDelta(t, 0.5, m.AuthFrequency, 0.001)
	assert.Zero(t, m.RetryRate)
	assert.Zero(t, m.OffHoursRate)
}

func TestFeatureVectorShape(t *testing.T) {
	v := ExtractFeatures(Aggregate(quietEvents(5)))
	assert.Len(t, v, FeatureCount)
	assert.InDelta(t, 5, v[0], 0.001)
}

func TestFeatureVectorSanitized(t *testing.T) {
	s := Aggregate(quietEvents(3))
	s.SessionMean = math.NaN()
	s.HourStd = math.Inf(1)
	v := ExtractFeatures(s)
	assert.Zero(t, v[8])
	assert.Zero(t, v[5])
}
