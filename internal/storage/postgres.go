package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"amews/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/amews?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS auth_events (
			event_id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			auth_method TEXT NOT NULL,
			service_category TEXT NOT NULL,
			service_provider_id TEXT NOT NULL,
			device_fingerprint TEXT NOT NULL,
			region_code TEXT NOT NULL,
			district_code TEXT,
			retry_count INTEGER NOT NULL,
			is_fallback INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			failure_reason TEXT,
			session_duration_ms BIGINT NOT NULL,
			hour_of_day INTEGER NOT NULL,
			day_of_week INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_ts ON auth_events(device_fingerprint, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_region_ts ON auth_events(region_code, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_provider_ts ON auth_events(service_provider_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			alert_id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			severity TEXT NOT NULL,
			alert_type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			affected_region TEXT NOT NULL,
			risk_score DOUBLE PRECISION NOT NULL,
			confidence_score DOUBLE PRECISION NOT NULL,
			action_tier TEXT NOT NULL,
			baseline_deviation DOUBLE PRECISION NOT NULL,
			reason_codes_json TEXT NOT NULL,
			suggested_actions_json TEXT NOT NULL,
			status TEXT NOT NULL,
			acknowledged_by TEXT,
			acknowledged_at TEXT,
			resolved_at TEXT,
			feedback_type TEXT,
			feedback_by TEXT,
			feedback_at TEXT,
			feedback_notes TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE TABLE IF NOT EXISTS region_baselines (
			region_code TEXT NOT NULL,
			time_band TEXT NOT NULL,
			service_category TEXT NOT NULL,
			auth_frequency_mean DOUBLE PRECISION NOT NULL,
			auth_frequency_std DOUBLE PRECISION NOT NULL,
			failure_rate_mean DOUBLE PRECISION NOT NULL,
			failure_rate_std DOUBLE PRECISION NOT NULL,
			otp_fallback_rate_mean DOUBLE PRECISION NOT NULL,
			retry_count_mean DOUBLE PRECISION NOT NULL,
			off_hours_rate_mean DOUBLE PRECISION NOT NULL,
			sample_size INTEGER NOT NULL,
			last_updated TEXT NOT NULL,
			PRIMARY KEY (region_code, time_band, service_category)
		)`,
		`CREATE TABLE IF NOT EXISTS system_baseline (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			system_mode TEXT NOT NULL,
			completion_percentage DOUBLE PRECISION NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) InsertEvents(ctx context.Context, events []model.AuthEvent) (int, error) {
	if s.db == nil || len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO auth_events (`+eventColumns+`, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	inserted := 0
	for _, ev := range events {
		res, err := stmt.ExecContext(ctx,
			ev.EventID,
			formatTS(ev.Timestamp),
			ev.AuthMethod,
			ev.ServiceCategory,
			ev.ServiceProviderID,
			ev.DeviceFingerprint,
			ev.RegionCode,
			ev.DistrictCode,
			ev.RetryCount,
			boolInt(ev.Fallback),
			ev.Outcome,
			ev.FailureReason,
			ev.SessionDurationMS,
			ev.HourOfDay,
			ev.DayOfWeek,
			formatTS(nowUTC()),
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, tx.Commit()
}

func (s *postgresStore) FetchEvents(ctx context.Context, entityType model.EntityType, entityID string, since time.Time) ([]model.AuthEvent, error) {
	col, ok := entityColumn(entityType)
	if !ok {
		return []model.AuthEvent{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM auth_events WHERE `+col+` = $1 AND ts >= $2 ORDER BY ts`,
		entityID, formatTS(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *postgresStore) TrainingEvents(ctx context.Context, since time.Time, limit int) ([]model.AuthEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM auth_events WHERE ts >= $1 ORDER BY device_fingerprint, ts LIMIT $2`,
		formatTS(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *postgresStore) ContextCoverage(ctx context.Context, since time.Time, minSample int) (int, int, error) {
	var total, sufficient int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM auth_events WHERE ts >= $1
			GROUP BY region_code, hour_of_day, service_category
		) contexts`, formatTS(since)).Scan(&total)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
			SELECT 1 FROM auth_events WHERE ts >= $1
			GROUP BY region_code, hour_of_day, service_category
			HAVING COUNT(*) >= $2
		) contexts`, formatTS(since), minSample).Scan(&sufficient)
	if err != nil {
		return 0, 0, err
	}
	return total, sufficient, nil
}

func (s *postgresStore) CoveredRegions(ctx context.Context, since time.Time, minSample int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT region_code FROM auth_events WHERE ts >= $1
		GROUP BY region_code HAVING COUNT(*) >= $2 ORDER BY region_code`,
		formatTS(since), minSample)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *postgresStore) RegionAggregates(ctx context.Context, region string, since time.Time) (model.BaselineMetrics, error) {
	var m model.BaselineMetrics
	var failure, fallback, retry, offHours sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			AVG(CASE WHEN outcome = 'FAILURE' THEN 1.0 ELSE 0.0 END),
			AVG(CASE WHEN is_fallback = 1 THEN 1.0 ELSE 0.0 END),
			AVG(retry_count),
			AVG(CASE WHEN hour_of_day >= 23 OR hour_of_day <= 5 THEN 1.0 ELSE 0.0 END)
		FROM auth_events WHERE region_code = $1 AND ts >= $2`,
		region, formatTS(since)).Scan(&m.SampleSize, &failure, &fallback, &retry, &offHours)
	if err != nil {
		return model.BaselineMetrics{}, err
	}
	m.FailureRateMean = failure.Float64
	m.FallbackRateMean = fallback.Float64
	m.RetryCountMean = retry.Float64
	m.OffHoursRateMean = offHours.Float64
	return m, nil
}

func (s *postgresStore) DeviceFrequencies(ctx context.Context, region string, since time.Time, minEvents int) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COUNT(*)::double precision /
			(EXTRACT(EPOCH FROM (MAX(ts::timestamptz) - MIN(ts::timestamptz))) / 3600.0 + 0.1)
		FROM auth_events WHERE region_code = $1 AND ts >= $2
		GROUP BY device_fingerprint HAVING COUNT(*) >= $3`,
		region, formatTS(since), minEvents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]float64, 0, 32)
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveBaseline(ctx context.Context, region, timeBand, service string, m model.BaselineMetrics) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO region_baselines (
			region_code, time_band, service_category,
			auth_frequency_mean, auth_frequency_std,
			failure_rate_mean, failure_rate_std,
			otp_fallback_rate_mean, retry_count_mean,
			off_hours_rate_mean, sample_size, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (region_code, time_band, service_category) DO UPDATE SET
			auth_frequency_mean = excluded.auth_frequency_mean,
			auth_frequency_std = excluded.auth_frequency_std,
			failure_rate_mean = excluded.failure_rate_mean,
			failure_rate_std = excluded.failure_rate_std,
			otp_fallback_rate_mean = excluded.otp_fallback_rate_mean,
			retry_count_mean = excluded.retry_count_mean,
			off_hours_rate_mean = excluded.off_hours_rate_mean,
			sample_size = excluded.sample_size,
			last_updated = excluded.last_updated`,
		region, timeBand, service,
		m.AuthFrequencyMean, m.AuthFrequencyStd,
		m.FailureRateMean, m.FailureRateStd,
		m.FallbackRateMean, m.RetryCountMean,
		m.OffHoursRateMean, m.SampleSize, formatTS(nowUTC()))
	return err
}

func (s *postgresStore) LoadSystemMode(ctx context.Context) (model.SystemMode, float64, bool, error) {
	var mode string
	var completion float64
	err := s.db.QueryRowContext(ctx,
		`SELECT system_mode, completion_percentage FROM system_baseline WHERE id = 1`).
		Scan(&mode, &completion)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return model.SystemMode(mode), completion, true, nil
}

func (s *postgresStore) SaveSystemMode(ctx context.Context, mode model.SystemMode, completion float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_baseline (id, system_mode, completion_percentage, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			system_mode = excluded.system_mode,
			completion_percentage = excluded.completion_percentage,
			updated_at = excluded.updated_at`,
		string(mode), completion, formatTS(nowUTC()))
	return err
}

func (s *postgresStore) SaveAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (
			alert_id, ts, severity, alert_type, title, description,
			affected_region, risk_score, confidence_score, action_tier,
			baseline_deviation, reason_codes_json, suggested_actions_json,
			status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		alert.AlertID,
		formatTS(alert.Timestamp),
		alert.Severity,
		alert.AlertType,
		alert.Title,
		alert.Description,
		alert.AffectedRegion,
		alert.RiskScore,
		alert.ConfidenceScore,
		alert.ActionTier,
		alert.BaselineDeviation,
		encodeJSON(alert.ReasonCodes),
		encodeJSON(alert.SuggestedActions),
		alert.Status,
		formatTS(nowUTC()))
	return err
}

func (s *postgresStore) GetAlert(ctx context.Context, alertID string) (model.Alert, bool, error) {
	var a model.Alert
	var ts string
	var reasons, actions string
	err := s.db.QueryRowContext(ctx,
		`SELECT alert_id, ts, severity, alert_type, title, description,
			affected_region, risk_score, confidence_score, action_tier,
			baseline_deviation, reason_codes_json, suggested_actions_json, status
		FROM alerts WHERE alert_id = $1`, alertID).
		Scan(&a.AlertID, &ts, &a.Severity, &a.AlertType, &a.Title, &a.Description,
			&a.AffectedRegion, &a.RiskScore, &a.ConfidenceScore, &a.ActionTier,
			&a.BaselineDeviation, &reasons, &actions, &a.Status)
	if err == sql.ErrNoRows {
		return model.Alert{}, false, nil
	}
	if err != nil {
		return model.Alert{}, false, err
	}
	a.Timestamp = parseTS(ts)
	a.ReasonCodes = decodeStrings(reasons)
	a.SuggestedActions = decodeStrings(actions)
	return a, true, nil
}

func (s *postgresStore) UpdateAlertStatus(ctx context.Context, alertID string, status model.AlertStatus, userID string) error {
	now := formatTS(nowUTC())
	switch status {
	case model.AlertAcknowledged:
		_, err := s.db.ExecContext(ctx,
			`UPDATE alerts SET status = $1, acknowledged_by = $2, acknowledged_at = $3 WHERE alert_id = $4`,
			status, userID, now, alertID)
		return err
	case model.AlertResolved:
		_, err := s.db.ExecContext(ctx,
			`UPDATE alerts SET status = $1, resolved_at = $2 WHERE alert_id = $3`,
			status, now, alertID)
		return err
	default:
		_, err := s.db.ExecContext(ctx,
			`UPDATE alerts SET status = $1 WHERE alert_id = $2`, status, alertID)
		return err
	}
}

func (s *postgresStore) SaveFeedback(ctx context.Context, alertID string, feedback model.FeedbackType, userID, notes string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET feedback_type = $1, feedback_by = $2, feedback_at = $3, feedback_notes = $4 WHERE alert_id = $5`,
		feedback, userID, formatTS(nowUTC()), notes, alertID)
	return err
}

func (s *postgresStore) ActiveDevices(ctx context.Context, since time.Time, minEvents, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_fingerprint FROM auth_events WHERE ts >= $1
		GROUP BY device_fingerprint HAVING COUNT(*) > $2
		ORDER BY COUNT(*) DESC LIMIT $3`,
		formatTS(since), minEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *postgresStore) ActiveRegions(ctx context.Context, since time.Time, minEvents int, retryFloor float64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT region_code FROM auth_events WHERE ts >= $1
		GROUP BY region_code HAVING AVG(retry_count) > $2 OR COUNT(*) > $3`,
		formatTS(since), retryFloor, minEvents)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}
