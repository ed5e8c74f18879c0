package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"amews/internal/config"
	"amews/internal/model"
)

// Store is the durable layer behind the scoring core: the authentication
// event corpus, persisted alerts, region baselines, and the system-mode
// row. FetchEvents returns an empty slice, never an error, when nothing
// matches.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertEvents(ctx context.Context, events []model.AuthEvent) (int, error)
	FetchEvents(ctx context.Context, entityType model.EntityType, entityID string, since time.Time) ([]model.AuthEvent, error)
	TrainingEvents(ctx context.Context, since time.Time, limit int) ([]model.AuthEvent, error)

	ContextCoverage(ctx context.Context, since time.Time, minSample int) (total int, sufficient int, err error)
	CoveredRegions(ctx context.Context, since time.Time, minSample int) ([]string, error)
	RegionAggregates(ctx context.Context, region string, since time.Time) (model.BaselineMetrics, error)
	DeviceFrequencies(ctx context.Context, region string, since time.Time, minEvents int) ([]float64, error)
	SaveBaseline(ctx context.Context, region, timeBand, service string, m model.BaselineMetrics) error
	LoadSystemMode(ctx context.Context) (model.SystemMode, float64, bool, error)
	SaveSystemMode(ctx context.Context, mode model.SystemMode, completion float64) error

	SaveAlert(ctx context.Context, alert model.Alert) error
	GetAlert(ctx context.Context, alertID string) (model.Alert, bool, error)
	UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, userID string) error
	SaveFeedback(ctx context.Context, alertID string, feedback model.FeedbackType, userID, notes string) error

	ActiveDevices(ctx context.Context, since time.Time, minEvents, limit int) ([]string, error)
	ActiveRegions(ctx context.Context, since time.Time, minEvents int, retryFloor float64) ([]string, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// entityColumn maps an entity selector to its events column.
func entityColumn(entityType model.EntityType) (string, bool) {
	switch entityType {
	case model.EntityDevice:
		return "device_fingerprint", true
	case model.EntityRegion:
		return "region_code", true
	case model.EntityServiceProvider:
		return "service_provider_id", true
	default:
		return "", false
	}
}

// Fixed-width layout: lexicographic order matches chronological order and
// sqlite's date functions accept the format directly.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(raw string) time.Time {
	t, err := time.Parse(tsLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func scanEvents(rows *sql.Rows) ([]model.AuthEvent, error) {
	out := make([]model.AuthEvent, 0, 64)
	for rows.Next() {
		var ev model.AuthEvent
		var ts string
		var district, failureReason sql.NullString
		var fallback int
		if err := rows.Scan(
			&ev.EventID,
			&ts,
			&ev.AuthMethod,
			&ev.ServiceCategory,
			&ev.ServiceProviderID,
			&ev.DeviceFingerprint,
			&ev.RegionCode,
			&district,
			&ev.RetryCount,
			&fallback,
			&ev.Outcome,
			&failureReason,
			&ev.SessionDurationMS,
			&ev.HourOfDay,
			&ev.DayOfWeek,
		); err != nil {
			return nil, err
		}
		ev.Timestamp = parseTS(ts)
		ev.DistrictCode = district.String
		ev.FailureReason = failureReason.String
		ev.Fallback = fallback != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

const eventColumns = `event_id, ts, auth_method, service_category, service_provider_id,
	device_fingerprint, region_code, district_code, retry_count, is_fallback,
	outcome, failure_reason, session_duration_ms, hour_of_day, day_of_week`
