package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
)

// ErrUpstreamUnavailable wraps event fetch failures so callers can map
// them to a retryable response.
var ErrUpstreamUnavailable = errors.New("event source unavailable")

// Synthetic factor names, appended after tier selection.
const (
	FactorMLAnomaly         = "ML_ANOMALY_DETECTED"
	FactorBaselineDeviation = "BASELINE_DEVIATION"
)

// EventFetcher supplies the event window for an entity.
type EventFetcher interface {
	FetchEvents(ctx context.Context, entityType model.EntityType, entityID string, since time.Time) ([]model.AuthEvent, error)
}

// AnomalyScorer maps a window aggregate to an anomaly score in [0, 100]
// and a confidence in [0, 1].
type AnomalyScorer interface {
	Score(s WindowStats) (score, confidence float64)
}

// BaselineSource exposes the learned-baseline state the engine needs:
// the system mode and the per-region deviation measure.
type BaselineSource interface {
	Mode(ctx context.Context) model.SystemMode
	Deviation(ctx context.Context, entityType model.EntityType, entityID string, current model.CurrentMetrics) (float64, error)
}

// Engine fuses rule and anomaly scores into a risk assessment.
type Engine struct {
	cfg      config.RiskConfig
	fetcher  EventFetcher
	rules    *RuleAnalyzer
	scorer   AnomalyScorer
	baseline BaselineSource
	logger   *slog.Logger
}

func NewEngine(cfg config.RiskConfig, fetcher EventFetcher, scorer AnomalyScorer, baseline BaselineSource, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		fetcher:  fetcher,
		rules:    NewRuleAnalyzer(logger),
		scorer:   scorer,
		baseline: baseline,
		logger:   logger,
	}
}

// AnalyzeEntity scores one entity over the trailing window. An empty
// window yields a zero assessment rather than an error; only an event
// fetch failure is returned to the caller.
func (e *Engine) AnalyzeEntity(ctx context.Context, entityType model.EntityType, entityID string, windowHours int) (model.RiskAssessment, error) {
	if windowHours <= 0 {
		windowHours = e.cfg.DefaultWindowHours
	}
	now := time.Now().UTC()
	since := now.Add(-time.Duration(windowHours) * time.Hour)

	events, err := e.fetcher.FetchEvents(ctx, entityType, entityID, since)
	if err != nil {
		return model.RiskAssessment{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	assessment := model.RiskAssessment{
		ScoreID:    newScoreID(),
		EntityType: entityType,
		EntityID:   entityID,
		RiskLevel:  model.RiskLow,
		ActionTier: model.TierMonitorOnly,
		Timestamp:  now,
	}
	if len(events) == 0 {
		metrics.AssessmentsTotal.WithLabelValues(string(entityType)).Inc()
		return assessment, nil
	}

	stats := Aggregate(events)
	factors, ruleScore := e.rules.Evaluate(stats)
	mlScore, mlConf := e.scorer.Score(stats)

	deviation := 0.0
	if e.baseline != nil {
		deviation, err = e.baseline.Deviation(ctx, entityType, entityID, stats.CurrentMetrics(windowHours))
		if err != nil {
			deviation = 0
			metrics.DegradedComputationsTotal.WithLabelValues("baseline").Inc()
			if e.logger != nil {
				e.logger.Warn("baseline deviation unavailable", "entity_id", entityID, "error", err.Error())
			}
		}
	}

	// Confidence reads the raw rule score; the deviation adjustment below
	// must not change how strongly the two signals agree.
	confidence := fuseConfidence(ruleScore, mlScore, mlConf, factors)

	// Deviation-scaled reduction applies to the rule side only, for
	// regions, and only once the system is actively monitoring. A zero
	// deviation means no baseline evidence, so the score stands. The ML
	// share always passes through at full weight.
	if entityType == model.EntityRegion && deviation != 0 &&
		e.baseline != nil && e.baseline.Mode(ctx) == model.ModeActiveMonitoring {
		ruleScore *= equityMultiplier(deviation)
	}

	composite := clamp(ruleScore*e.cfg.RuleWeight+mlScore*e.cfg.MLWeight, 0, 100)

	assessment.CompositeScore = composite
	assessment.RuleScore = ruleScore
	assessment.MLScore = mlScore
	assessment.ConfidenceScore = confidence
	assessment.BaselineDeviation = deviation
	assessment.RiskLevel = e.riskLevel(composite)

	// Tier selection reads the rule factors only; synthetic factors are
	// appended afterwards so they never influence the decision.
	assessment.ActionTier = decideTier(composite, confidence, factors)
	assessment.Factors = appendSyntheticFactors(factors, mlScore, mlConf, deviation)

	metrics.AssessmentsTotal.WithLabelValues(string(entityType)).Inc()
	metrics.CompositeScore.Observe(composite)
	if e.logger != nil {
		e.logger.Debug("entity assessed",
			"entity_type", string(entityType),
			"entity_id", entityID,
			"composite_score", composite,
			"risk_level", string(assessment.RiskLevel),
			"action_tier", string(assessment.ActionTier),
		)
	}
	return assessment, nil
}

// fuseConfidence blends rule/ML agreement with ML self-confidence and
// the weight of evidence behind the rule side.
func fuseConfidence(ruleScore, mlScore, mlConf float64, factors []model.RiskFactor) float64 {
	ruleNorm := math.Min(1, ruleScore/100)
	mlNorm := math.Min(1, mlScore/100)
	agreement := 1 - math.Abs(ruleNorm-mlNorm)

	if ruleNorm > 0.8 && mlNorm > 0.8 {
		return math.Min(1, 0.9+agreement*0.1)
	}
	if ruleNorm < 0.2 && mlNorm < 0.2 {
		return math.Min(1, 0.85+agreement*0.15)
	}

	severe := 0
	for _, f := range factors {
		if f.Severity == model.SeverityHigh || f.Severity == model.SeverityCritical {
			severe++
		}
	}
	base := (agreement + mlConf) / 2
	base += math.Min(0.2, float64(len(factors))*0.05)
	base += math.Min(0.15, float64(severe)*0.05)
	return math.Min(1, base)
}

// equityMultiplier scales a region's score by how far it sits from its
// own baseline. Only the 0.75 and 0.85 reductions survive: deviations
// of 0.5 and above keep the full score.
func equityMultiplier(deviation float64) float64 {
	switch {
	case deviation < 0.3:
		return 0.75
	case deviation < 0.5:
		return 0.85
	default:
		return 1.0
	}
}

func (e *Engine) riskLevel(score float64) model.RiskLevel {
	switch {
	case score >= 90:
		return model.RiskCritical
	case score >= e.cfg.HighThreshold:
		return model.RiskHigh
	case score >= e.cfg.MediumThreshold:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// decideTier walks the escalation ladder top down; the first matching
// row wins.
func decideTier(score, confidence float64, factors []model.RiskFactor) model.ActionTier {
	switch {
	case score >= 85 && confidence >= 0.8:
		return model.TierImmediateResponse
	case score >= 70 && hasFactor(factors, RuleHighAuthFrequency) && confidence >= 0.7:
		return model.TierDeviceBlacklist
	case score >= 70 && hasFactor(factors, RuleGeographicVelocity) && confidence >= 0.6:
		return model.TierEscalateRegional
	case score >= 70:
		return model.TierEnhancedReview
	case score >= 50 && confidence >= 0.6:
		return model.TierEnhancedReview
	default:
		return model.TierMonitorOnly
	}
}

func hasFactor(factors []model.RiskFactor, name string) bool {
	for _, f := range factors {
		if f.RuleName == name {
			return true
		}
	}
	return false
}

func appendSyntheticFactors(factors []model.RiskFactor, mlScore, mlConf, deviation float64) []model.RiskFactor {
	if mlConf < 0.5 && mlScore > 30 {
		sev := model.SeverityMedium
		if mlScore >= 60 {
			sev = model.SeverityHigh
		}
		factors = append(factors, model.RiskFactor{
			RuleName:     FactorMLAnomaly,
			Contribution: mlScore * 0.4,
			Description:  fmt.Sprintf("Behavioral anomaly detected (score %.1f)", mlScore),
			Severity:     sev,
		})
	}
	if deviation > 0.3 {
		factors = append(factors, model.RiskFactor{
			RuleName:     FactorBaselineDeviation,
			Contribution: deviation * 10,
			Description:  fmt.Sprintf("Activity deviates %.0f%% from regional baseline", deviation*100),
			Severity:     model.SeverityMedium,
		})
	}
	return factors
}

func newScoreID() string {
	return "score_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
