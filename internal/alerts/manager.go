package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"amews/internal/metrics"
	"amews/internal/model"
	"amews/internal/risk"
)

// Alert types, derived from the dominant contributing factor.
const (
	TypeVelocityAttack    = "VELOCITY_ATTACK"
	TypeGeographicAnomaly = "GEOGRAPHIC_ANOMALY"
	TypeBiometricFailure  = "BIOMETRIC_FAILURE_SPIKE"
	TypeOffHoursSpike     = "OFF_HOURS_SPIKE"
)

type alertStore interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
	GetAlert(ctx context.Context, alertID string) (model.Alert, bool, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, userID string) error
	SaveFeedback(ctx context.Context, alertID string, feedback model.FeedbackType, userID, notes string) error
}

type modeSource interface {
	Mode(ctx context.Context) model.SystemMode
	RecordFeedback(feedback model.FeedbackType)
}

// Manager turns assessments into alerts. During baseline learning all
// alerts are suppressed; after that, assessments below the medium risk
// threshold or inside a per-entity cooldown are dropped quietly.
type Manager struct {
	minScore float64
	cooldown time.Duration

	ring     *Store
	limiter  *Cooldown
	db       alertStore
	baseline modeSource
	logger   *slog.Logger
}

func NewManager(minScore float64, cooldown time.Duration, ring *Store, db alertStore, baseline modeSource, logger *slog.Logger) *Manager {
	return &Manager{
		minScore: minScore,
		cooldown: cooldown,
		ring:     ring,
		limiter:  NewCooldown(),
		db:       db,
		baseline: baseline,
		logger:   logger,
	}
}

// HandleAssessment evaluates one assessment for alerting. It returns
// the generated alert, or nil when nothing was emitted.
func (m *Manager) HandleAssessment(ctx context.Context, a model.RiskAssessment) (*model.Alert, error) {
	if m.baseline != nil && m.baseline.Mode(ctx) == model.ModeBaselineLearning {
		metrics.AlertsSuppressedTotal.WithLabelValues("learning").Inc()
		if m.logger != nil {
			m.logger.Debug("alert suppressed during baseline learning",
				"entity_id", a.EntityID, "composite_score", a.CompositeScore)
		}
		return nil, nil
	}
	if a.CompositeScore < m.minScore {
		return nil, nil
	}

	alertType := classify(a.Factors)
	if !m.limiter.AllowKey(string(a.EntityType)+"|"+a.EntityID+"|"+alertType, m.cooldown) {
		metrics.AlertsSuppressedTotal.WithLabelValues("cooldown").Inc()
		return nil, nil
	}

	region := ""
	if a.EntityType == model.EntityRegion {
		region = a.EntityID
	}
	alert := model.Alert{
		AlertID:           newAlertID(),
		Timestamp:         time.Now().UTC(),
		Severity:          severityFor(a.CompositeScore),
		AlertType:         alertType,
		Title:             buildTitle(alertType, a),
		Description:       buildDescription(a),
		AffectedRegion:    region,
		RiskScore:         a.CompositeScore,
		ConfidenceScore:   a.ConfidenceScore,
		ActionTier:        a.ActionTier,
		BaselineDeviation: a.BaselineDeviation,
		ReasonCodes:       reasonCodes(a.Factors),
		SuggestedActions:  suggestActions(alertType, a.ActionTier),
		Status:            model.AlertActive,
	}

	m.ring.Add(alert)
	if m.db != nil {
		if err := m.db.SaveAlert(ctx, alert); err != nil {
			if m.logger != nil {
				m.logger.Error("alert persist failed", "alert_id", alert.AlertID, "error", err.Error())
			}
			return &alert, err
		}
	}
	metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()
	if m.logger != nil {
		m.logger.Info("alert generated",
			"alert_id", alert.AlertID,
			"alert_type", alert.AlertType,
			"severity", string(alert.Severity),
			"entity_id", a.EntityID,
			"risk_score", a.CompositeScore,
		)
	}
	return &alert, nil
}

// UpdateStatus transitions an alert and mirrors the change in the ring.
func (m *Manager) UpdateStatus(ctx context.Context, alertID string, status model.AlertStatus, userID string) error {
	if err := m.db.UpdateAlertStatus(ctx, alertID, status, userID); err != nil {
		return err
	}
	if updated, found, err := m.db.GetAlert(ctx, alertID); err == nil && found {
		m.ring.Update(updated)
	}
	return nil
}

// ProcessFeedback records operator feedback against an alert and feeds
// it into the sensitivity adjustment loop.
func (m *Manager) ProcessFeedback(ctx context.Context, alertID string, feedback model.FeedbackType, userID, notes string) error {
	if err := m.db.SaveFeedback(ctx, alertID, feedback, userID, notes); err != nil {
		return err
	}
	if m.baseline != nil {
		m.baseline.RecordFeedback(feedback)
	}
	if m.logger != nil {
		m.logger.Info("alert feedback recorded",
			"alert_id", alertID, "feedback", string(feedback), "user_id", userID)
	}
	return nil
}

func classify(factors []model.RiskFactor) string {
	for _, f := range factors {
		switch f.RuleName {
		case risk.RuleHighAuthFrequency:
			return TypeVelocityAttack
		case risk.RuleGeographicVelocity:
			return TypeGeographicAnomaly
		case risk.RuleOTPFallbackAbuse, risk.RuleHighFailureRate:
			return TypeBiometricFailure
		case risk.RuleOffHoursActivity:
			return TypeOffHoursSpike
		}
	}
	return TypeVelocityAttack
}

func severityFor(score float64) model.Severity {
	switch {
	case score >= 90:
		return model.SeverityCritical
	case score >= 80:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}

func buildTitle(alertType string, a model.RiskAssessment) string {
	label := strings.ReplaceAll(strings.ToLower(alertType), "_", " ")
	return fmt.Sprintf("%s: %s %s (score %.0f)",
		strings.ToUpper(label[:1])+label[1:], strings.ToLower(string(a.EntityType)), a.EntityID, a.CompositeScore)
}

func buildDescription(a model.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk score %.1f (%s) for %s %s. ",
		a.CompositeScore, a.RiskLevel, strings.ToLower(string(a.EntityType)), a.EntityID)
	switch {
	case a.ConfidenceScore >= 0.8:
		b.WriteString("High confidence assessment. ")
	case a.ConfidenceScore >= 0.6:
		b.WriteString("Moderate confidence assessment. ")
	default:
		b.WriteString("Low confidence assessment, manual review advised. ")
	}
	if len(a.Factors) > 0 {
		b.WriteString("Contributing factors: ")
		for i, f := range a.Factors {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(f.Description)
		}
		b.WriteString(". ")
	}
	if a.BaselineDeviation > 0.1 {
		fmt.Fprintf(&b, "Activity deviates %.0f%% from the regional baseline.", a.BaselineDeviation*100)
	}
	return strings.TrimSpace(b.String())
}

func reasonCodes(factors []model.RiskFactor) []string {
	codes := make([]string, 0, len(factors))
	for _, f := range factors {
		codes = append(codes, f.RuleName)
	}
	return codes
}

func suggestActions(alertType string, tier model.ActionTier) []string {
	var actions []string
	switch alertType {
	case TypeVelocityAttack:
		actions = append(actions,
			"Review authentication volume for the affected entity",
			"Check for credential stuffing patterns across providers")
	case TypeGeographicAnomaly:
		actions = append(actions,
			"Verify region transitions against expected travel patterns",
			"Cross-check device fingerprints seen in multiple regions")
	case TypeBiometricFailure:
		actions = append(actions,
			"Inspect failure reasons for sensor or spoofing issues",
			"Compare OTP fallback usage against historical rates")
	case TypeOffHoursSpike:
		actions = append(actions,
			"Confirm whether off-hours activity matches known batch jobs",
			"Review service provider activity windows")
	}
	switch tier {
	case model.TierImmediateResponse:
		actions = append(actions, "Engage the incident response workflow immediately")
	case model.TierDeviceBlacklist:
		actions = append(actions, "Consider blacklisting the device fingerprint")
	case model.TierEscalateRegional:
		actions = append(actions, "Escalate to the regional operations team")
	case model.TierEnhancedReview:
		actions = append(actions, "Queue for enhanced manual review")
	}
	return actions
}

func newAlertID() string {
	return "ALR-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
