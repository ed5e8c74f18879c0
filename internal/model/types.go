package model

import "time"

type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

type AuthMethod string

const (
	AuthOTP         AuthMethod = "OTP"
	AuthBiometric   AuthMethod = "BIOMETRIC"
	AuthDemographic AuthMethod = "DEMOGRAPHIC"
)

type EntityType string

const (
	EntityDevice          EntityType = "DEVICE"
	EntityRegion          EntityType = "REGION"
	EntityServiceProvider EntityType = "SERVICE_PROVIDER"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

type ActionTier string

const (
	TierMonitorOnly       ActionTier = "MONITOR_ONLY"
	TierEnhancedReview    ActionTier = "ENHANCED_REVIEW"
	TierDeviceBlacklist   ActionTier = "DEVICE_BLACKLIST"
	TierEscalateRegional  ActionTier = "ESCALATE_REGIONAL"
	TierImmediateResponse ActionTier = "IMMEDIATE_RESPONSE"
)

type SystemMode string

const (
	ModeBaselineLearning SystemMode = "BASELINE_LEARNING"
	ModeActiveMonitoring SystemMode = "ACTIVE_MONITORING"
)

type FeedbackType string

const (
	FeedbackFalsePositive     FeedbackType = "FALSE_POSITIVE"
	FeedbackConfirmedThreat   FeedbackType = "CONFIRMED_THREAT"
	FeedbackPartiallyRelevant FeedbackType = "PARTIALLY_RELEVANT"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
)

// AuthEvent is one recorded authentication attempt. Events are immutable
// once ingested; the scoring path only ever reads them.
type AuthEvent struct {
	EventID           string     `json:"event_id"`
	Timestamp         time.Time  `json:"timestamp"`
	AuthMethod        AuthMethod `json:"auth_method"`
	ServiceCategory   string     `json:"service_category"`
	ServiceProviderID string     `json:"service_provider_id"`
	DeviceFingerprint string     `json:"device_fingerprint_hash"`
	RegionCode        string     `json:"region_code"`
	DistrictCode      string     `json:"district_code,omitempty"`
	RetryCount        int        `json:"retry_count"`
	Fallback          bool       `json:"is_fallback"`
	Outcome           Outcome    `json:"outcome"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	SessionDurationMS int64      `json:"session_duration_ms"`
	HourOfDay         int        `json:"hour_of_day"`
	DayOfWeek         int        `json:"day_of_week"`
}

// OffHour reports whether an hour-of-day falls in the 23:00-05:00 band.
func OffHour(hour int) bool {
	return hour >= 23 || hour <= 5
}

type RiskFactor struct {
	RuleName     string   `json:"rule_name"`
	Contribution float64  `json:"contribution"`
	Description  string   `json:"description"`
	Severity     Severity `json:"severity"`
}

type RiskAssessment struct {
	ScoreID           string       `json:"score_id"`
	EntityType        EntityType   `json:"entity_type"`
	EntityID          string       `json:"entity_id"`
	CompositeScore    float64      `json:"composite_score"`
	RiskLevel         RiskLevel    `json:"risk_level"`
	RuleScore         float64      `json:"rule_score"`
	MLScore           float64      `json:"ml_score"`
	ConfidenceScore   float64      `json:"confidence_score"`
	ActionTier        ActionTier   `json:"action_tier"`
	BaselineDeviation float64      `json:"baseline_deviation"`
	Factors           []RiskFactor `json:"contributing_factors"`
	Timestamp         time.Time    `json:"timestamp"`
}

// CurrentMetrics summarizes the live window for baseline comparison.
type CurrentMetrics struct {
	FailureRate   float64 `json:"failure_rate"`
	AuthFrequency float64 `json:"auth_frequency"`
	RetryRate     float64 `json:"retry_rate"`
	OffHoursRate  float64 `json:"off_hours_rate"`
}

// BaselineMetrics are rolling statistics for one (region, time band,
// service) context over the trailing baseline window.
type BaselineMetrics struct {
	AuthFrequencyMean float64 `json:"auth_frequency_mean"`
	AuthFrequencyStd  float64 `json:"auth_frequency_std"`
	FailureRateMean   float64 `json:"failure_rate_mean"`
	FailureRateStd    float64 `json:"failure_rate_std"`
	FallbackRateMean  float64 `json:"otp_fallback_rate_mean"`
	RetryCountMean    float64 `json:"retry_count_mean"`
	OffHoursRateMean  float64 `json:"off_hours_rate_mean"`
	SampleSize        int     `json:"sample_size"`
}

type SystemStatus struct {
	Mode               SystemMode `json:"system_mode"`
	CompletionPercent  float64    `json:"completion_percentage"`
	BaselineWindowDays int        `json:"baseline_window_days"`
	RegionsCovered     []string   `json:"regions_covered"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type Alert struct {
	AlertID           string       `json:"alert_id"`
	Timestamp         time.Time    `json:"timestamp"`
	Severity          Severity     `json:"severity"`
	AlertType         string       `json:"alert_type"`
	Title             string       `json:"title"`
	Description       string       `json:"description"`
	AffectedRegion    string       `json:"affected_region"`
	RiskScore         float64      `json:"risk_score"`
	ConfidenceScore   float64      `json:"confidence_score"`
	ActionTier        ActionTier   `json:"action_tier"`
	BaselineDeviation float64      `json:"baseline_deviation"`
	ReasonCodes       []string     `json:"reason_codes"`
	SuggestedActions  []string     `json:"suggested_actions"`
	Status            AlertStatus  `json:"status"`
	AcknowledgedBy    string       `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time   `json:"acknowledged_at,omitempty"`
	ResolvedAt        *time.Time   `json:"resolved_at,omitempty"`
	FeedbackType      FeedbackType `json:"feedback_type,omitempty"`
	FeedbackBy        string       `json:"feedback_by,omitempty"`
	FeedbackNotes     string       `json:"feedback_notes,omitempty"`
}
