package risk

import (
	"fmt"
	"log/slog"
	"math"

	"amews/internal/metrics"
	"amews/internal/model"
)

// Rule names double as reason codes on alerts, so they stay stable.
const (
	RuleHighAuthFrequency      = "HIGH_AUTH_FREQUENCY"
	RuleGeographicVelocity     = "GEOGRAPHIC_VELOCITY_ANOMALY"
	RuleOTPFallbackAbuse       = "OTP_FALLBACK_ABUSE"
	RuleAbnormalRetryPattern   = "ABNORMAL_RETRY_PATTERN"
	RuleOffHoursActivity       = "OFF_HOURS_ACTIVITY"
	RuleHighFailureRate        = "HIGH_FAILURE_RATE"
	RuleSessionDurationAnomaly = "SESSION_DURATION_ANOMALY"
)

// A Rule inspects the window aggregate and either fires, producing a
// factor, or returns nil.
type Rule struct {
	Name string
	Eval func(s WindowStats) *model.RiskFactor
}

// Catalogue returns the fixed rule set in evaluation order.
func Catalogue() []Rule {
	return []Rule{
		{Name: RuleHighAuthFrequency, Eval: evalHighAuthFrequency},
		{Name: RuleGeographicVelocity, Eval: evalGeographicVelocity},
		{Name: RuleOTPFallbackAbuse, Eval: evalOTPFallbackAbuse},
		{Name: RuleAbnormalRetryPattern, Eval: evalAbnormalRetryPattern},
		{Name: RuleOffHoursActivity, Eval: evalOffHoursActivity},
		{Name: RuleHighFailureRate, Eval: evalHighFailureRate},
		{Name: RuleSessionDurationAnomaly, Eval: evalSessionDuration},
	}
}

func evalHighAuthFrequency(s WindowStats) *model.RiskFactor {
	// The span floor is an epsilon against near-simultaneous events, not
	// a clamp: a burst inside half an hour must score at its real rate.
	eph := float64(s.Count) / math.Max(s.ElapsedHours, 0.1)
	if eph <= 20 {
		return nil
	}
	sev := model.SeverityMedium
	if eph > 50 {
		sev = model.SeverityHigh
	}
	return &model.RiskFactor{
		RuleName:     RuleHighAuthFrequency,
		Contribution: math.Min(30, eph),
		Description:  fmt.Sprintf("High authentication frequency: %.1f events/hour", eph),
		Severity:     sev,
	}
}

func evalGeographicVelocity(s WindowStats) *model.RiskFactor {
	if s.Count < 2 {
		return nil
	}
	sph := float64(s.DistinctRegions) / math.Max(s.ElapsedHours, 0.1)
	if sph <= 2 {
		return nil
	}
	return &model.RiskFactor{
		RuleName:     RuleGeographicVelocity,
		Contribution: math.Min(25, sph*5),
		Description:  fmt.Sprintf("Rapid region switching: %.1f regions/hour", sph),
		Severity:     model.SeverityHigh,
	}
}

func evalOTPFallbackAbuse(s WindowStats) *model.RiskFactor {
	if s.OTPCount == 0 {
		return nil
	}
	ratio := float64(s.FallbackCount) / float64(s.Count)
	if ratio <= 0.3 {
		return nil
	}
	sev := model.SeverityMedium
	if ratio > 0.5 {
		sev = model.SeverityHigh
	}
	return &model.RiskFactor{
		RuleName:     RuleOTPFallbackAbuse,
		Contribution: math.Min(20, ratio*40),
		Description:  fmt.Sprintf("Excessive OTP fallback usage: %.0f%% of attempts", ratio*100),
		Severity:     sev,
	}
}

func evalAbnormalRetryPattern(s WindowStats) *model.RiskFactor {
	highRetryFraction := float64(s.HighRetryCount) / float64(s.Count)
	if s.RetryMean <= 2 && highRetryFraction < 0.2 {
		return nil
	}
	sev := model.SeverityMedium
	if s.RetryMean >= 4 {
		sev = model.SeverityHigh
	}
	return &model.RiskFactor{
		RuleName:     RuleAbnormalRetryPattern,
		Contribution: math.Min(15, s.RetryMean*5),
		Description:  fmt.Sprintf("Abnormal retry pattern: mean %.1f retries per attempt", s.RetryMean),
		Severity:     sev,
	}
}

func evalOffHoursActivity(s WindowStats) *model.RiskFactor {
	if s.OffHoursRatio <= 0.4 {
		return nil
	}
	return &model.RiskFactor{
		RuleName:     RuleOffHoursActivity,
		Contribution: math.Min(15, s.OffHoursRatio*30),
		Description:  fmt.Sprintf("Concentrated off-hours activity: %.0f%% between 23:00 and 05:00", s.OffHoursRatio*100),
		Severity:     model.SeverityMedium,
	}
}

func evalHighFailureRate(s WindowStats) *model.RiskFactor {
	if s.FailureRatio <= 0.3 {
		return nil
	}
	sev := model.SeverityMedium
	if s.FailureRatio > 0.5 {
		sev = model.SeverityHigh
	}
	return &model.RiskFactor{
		RuleName:     RuleHighFailureRate,
		Contribution: math.Min(20, s.FailureRatio*40),
		Description:  fmt.Sprintf("High failure rate: %.0f%% of attempts failed", s.FailureRatio*100),
		Severity:     sev,
	}
}

func evalSessionDuration(s WindowStats) *model.RiskFactor {
	if s.SessionMean >= 200 && s.SessionMean <= 30000 {
		return nil
	}
	return &model.RiskFactor{
		RuleName:     RuleSessionDurationAnomaly,
		Contribution: 10,
		Description:  fmt.Sprintf("Unusual session duration: mean %.0f ms", s.SessionMean),
		Severity:     model.SeverityLow,
	}
}

// RuleAnalyzer runs the catalogue against a window. A panicking rule is
// skipped so one bad evaluation cannot take out the whole assessment.
type RuleAnalyzer struct {
	rules  []Rule
	logger *slog.Logger
}

func NewRuleAnalyzer(logger *slog.Logger) *RuleAnalyzer {
	return &RuleAnalyzer{rules: Catalogue(), logger: logger}
}

// Evaluate returns the fired factors and their summed contribution. The
// sum is left uncapped; clamping happens at the composite stage.
func (a *RuleAnalyzer) Evaluate(s WindowStats) ([]model.RiskFactor, float64) {
	if s.Count == 0 {
		return nil, 0
	}
	factors := make([]model.RiskFactor, 0, len(a.rules))
	total := 0.0
	for _, rule := range a.rules {
		factor := a.evalSafe(rule, s)
		if factor == nil {
			continue
		}
		factors = append(factors, *factor)
		total += factor.Contribution
	}
	return factors, total
}

func (a *RuleAnalyzer) evalSafe(rule Rule, s WindowStats) (factor *model.RiskFactor) {
	defer func() {
		if r := recover(); r != nil {
			factor = nil
			metrics.DegradedComputationsTotal.WithLabelValues("rule").Inc()
			if a.logger != nil {
				a.logger.Warn("rule evaluation failed", "rule", rule.Name, "panic", fmt.Sprint(r))
			}
		}
	}()
	return rule.Eval(s)
}
