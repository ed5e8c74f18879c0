package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amews/internal/model"
)

func benignEvent(i int, base time.Time) model.AuthEvent {
	return model.AuthEvent{
		EventID:           fmt.Sprintf("ev-%d", i),
		Timestamp:         base.Add(time.Duration(i) * 10 * time.Minute),
		AuthMethod:        model.AuthBiometric,
		ServiceCategory:   "BANKING",
		ServiceProviderID: "SP-001",
		DeviceFingerprint: "dev-abc",
		RegionCode:        "R-01",
		Outcome:           model.OutcomeSuccess,
		SessionDurationMS: 5000,
		HourOfDay:         10,
	}
}

func findFactor(t *testing.T, factors []model.RiskFactor, name string) model.RiskFactor {
	t.Helper()
	for _, f := range factors {
		if f.RuleName == name {
			return f
		}
	}
	t.Fatalf("factor %s not found in %v", name, factors)
	return model.RiskFactor{}
}

func hasRule(factors []model.RiskFactor, name string) bool {
	for _, f := range factors {
		if f.RuleName == name {
			return true
		}
	}
	return false
}

func TestQuietWindowNoFactors(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Hour)
	events := make([]model.AuthEvent, 0, 6)
	for i := 0; i < 6; i++ {
		events = append(events, benignEvent(i, base))
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, score := analyzer.Evaluate(Aggregate(events))
	assert.Empty(t, factors)
	assert.Zero(t, score)
}

func TestHighAuthFrequency(t *testing.T) {
	// 25 events inside half an hour: just over 50 events/hour, so the
	// contribution hits its 30-point cap at HIGH severity.
	base := time.Now().UTC().Add(-time.Hour)
	events := make([]model.AuthEvent, 0, 25)
	for i := 0; i < 25; i++ {
		ev := benignEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * 72 * time.Second)
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleHighAuthFrequency)
	assert.InDelta(t, 30, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestHighAuthFrequencyModerate(t *testing.T) {
	// The same 25 events spread over a full hour stay in the MEDIUM band
	// and contribute their literal rate.
	base := time.Now().UTC().Add(-2 * time.Hour)
	events := make([]model.AuthEvent, 0, 25)
	for i := 0; i < 25; i++ {
		ev := benignEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * 150 * time.Second)
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, score := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleHighAuthFrequency)
	assert.InDelta(t, 25, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityMedium, f.Severity)
	assert.InDelta(t, 25, score, 0.01)
}

func TestHighAuthFrequencySevere(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	events := make([]model.AuthEvent, 0, 60)
	for i := 0; i < 60; i++ {
		ev := benignEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * 36 * time.Second)
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleHighAuthFrequency)
	assert.InDelta(t, 30, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestGeographicVelocity(t *testing.T) {
	// Two regions six minutes apart. The short span floor keeps the
	// switching rate high enough to fire.
	base := time.Now().UTC().Add(-time.Hour)
	first := benignEvent(0, base)
	first.Timestamp = base
	second := benignEvent(1, base)
	second.Timestamp = base.Add(6 * time.Minute)
	second.RegionCode = "R-02"
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate([]model.AuthEvent{first, second}))
	f := findFactor(t, factors, RuleGeographicVelocity)
	assert.InDelta(t, 25, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestGeographicVelocityNeedsTwoEvents(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate([]model.AuthEvent{benignEvent(0, base)}))
	assert.False(t, hasRule(factors, RuleGeographicVelocity))
}

func TestOTPFallbackAbuse(t *testing.T) {
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		if i < 6 {
			ev.AuthMethod = model.AuthOTP
			ev.Fallback = true
		}
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleOTPFallbackAbuse)
	assert.InDelta(t, 20, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestOTPFallbackRequiresOTPEvents(t *testing.T) {
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		ev.Fallback = true
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	assert.False(t, hasRule(factors, RuleOTPFallbackAbuse))
}

func TestAbnormalRetryPattern(t *testing.T) {
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		ev.RetryCount = 4
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleAbnormalRetryPattern)
	assert.InDelta(t, 15, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestHighFailureRate(t *testing.T) {
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		if i < 6 {
			ev.Outcome = model.OutcomeFailure
			ev.FailureReason = "BIO_MISMATCH"
		}
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleHighFailureRate)
	assert.InDelta(t, 20, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityHigh, f.Severity)
}

func TestFailureContributionMonotonic(t *testing.T) {
	contributionAt := func(failures int) float64 {
		base := time.Now().UTC().Add(-5 * time.Hour)
		events := make([]model.AuthEvent, 0, 20)
		for i := 0; i < 20; i++ {
			ev := benignEvent(i, base)
			if i < failures {
				ev.Outcome = model.OutcomeFailure
			}
			events = append(events, ev)
		}
		analyzer := NewRuleAnalyzer(nil)
		factors, _ := analyzer.Evaluate(Aggregate(events))
		return findFactor(t, factors, RuleHighFailureRate).Contribution
	}
	low := contributionAt(7)
	high := contributionAt(9)
	require.Less(t, low, high)
}

func TestOffHoursActivity(t *testing.T) {
	base := time.Now().UTC().Add(-5 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		if i < 5 {
			ev.HourOfDay = 2
		}
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleOffHoursActivity)
	assert.InDelta(t, 15, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityMedium, f.Severity)
}

func TestSessionDurationAnomaly(t *testing.T) {
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 5)
	for i := 0; i < 5; i++ {
		ev := benignEvent(i, base)
		ev.SessionDurationMS = 100
		events = append(events, ev)
	}
	analyzer := NewRuleAnalyzer(nil)
	factors, _ := analyzer.Evaluate(Aggregate(events))
	f := findFactor(t, factors, RuleSessionDurationAnomaly)
	assert.InDelta(t, 10, f.Contribution, 0.01)
	assert.Equal(t, model.SeverityLow, f.Severity)
}

// saturatedEvents builds a burst that trips every rule in the catalogue
// at its maximum contribution.
func saturatedEvents(n int) []model.AuthEvent {
	base := time.Now().UTC().Add(-time.Hour)
	events := make([]model.AuthEvent, 0, n)
	for i := 0; i < n; i++ {
		ev := benignEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		ev.RegionCode = fmt.Sprintf("R-%02d", i%8)
		ev.AuthMethod = model.AuthOTP
		ev.Fallback = true
		ev.RetryCount = 5
		ev.Outcome = model.OutcomeFailure
		ev.HourOfDay = 3
		ev.SessionDurationMS = 50
		events = append(events, ev)
	}
	return events
}

func TestRuleScoreSumsUncapped(t *testing.T) {
	// Every rule firing at its ceiling sums to 135. The rule score stays
	// raw here; only the composite stage clamps to 100.
	analyzer := NewRuleAnalyzer(nil)
	factors, score := analyzer.Evaluate(Aggregate(saturatedEvents(80)))
	assert.Len(t, factors, 7)
	assert.InDelta(t, 135, score, 0.01)
}
