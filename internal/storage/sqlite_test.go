package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amews/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "amews_test.db")
	store, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Init(context.Background()))
	return store
}

func storedEvent(i int, base time.Time) model.AuthEvent {
	return model.AuthEvent{
		EventID:           fmt.Sprintf("ev-%03d", i),
		Timestamp:         base.Add(time.Duration(i) * time.Minute),
		AuthMethod:        model.AuthBiometric,
		ServiceCategory:   "BANKING",
		ServiceProviderID: "SP-001",
		DeviceFingerprint: "dev-abc",
		RegionCode:        "R-01",
		RetryCount:        1,
		Outcome:           model.OutcomeSuccess,
		SessionDurationMS: 4200,
		HourOfDay:         10,
		DayOfWeek:         2,
	}
}

func TestInsertAndFetchEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	events := []model.AuthEvent{storedEvent(2, base), storedEvent(0, base), storedEvent(1, base)}
	inserted, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)

	// Replaying the same batch inserts nothing.
	inserted, err = store.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Zero(t, inserted)

	got, err := store.FetchEvents(ctx, model.EntityDevice, "dev-abc", base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "ev-000", got[0].EventID)
	assert.Equal(t, "ev-002", got[2].EventID)
	assert.Equal(t, model.AuthBiometric, got[0].AuthMethod)
	assert.True(t, got[0].Timestamp.Equal(base))
}

func TestFetchEventsByRegionAndWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Millisecond)

	var events []model.AuthEvent
	for i := 0; i < 10; i++ {
		ev := storedEvent(i, base)
		if i >= 5 {
			ev.RegionCode = "R-02"
		}
		events = append(events, ev)
	}
	_, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)

	got, err := store.FetchEvents(ctx, model.EntityRegion, "R-02", base)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	// A later window start excludes earlier events.
	got, err = store.FetchEvents(ctx, model.EntityRegion, "R-01", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestFetchEventsUnknownEntityType(t *testing.T) {
	store := newTestStore(t)
	got, err := store.FetchEvents(context.Background(), model.EntityType("USER"), "u-1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSystemModeRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, found, err := store.LoadSystemMode(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveSystemMode(ctx, model.ModeActiveMonitoring, 85.5))
	mode, completion, found, err := store.LoadSystemMode(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.ModeActiveMonitoring, mode)
	assert.InDelta(t, 85.5, completion, 0.001)

	// Upsert replaces the single row.
	require.NoError(t, store.SaveSystemMode(ctx, model.ModeActiveMonitoring, 91))
	_, completion, _, err = store.LoadSystemMode(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 91, completion, 0.001)
}

func TestAlertRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	alert := model.Alert{
		AlertID:          "ALR-TEST01",
		Timestamp:        time.Now().UTC().Truncate(time.Millisecond),
		Severity:         model.SeverityHigh,
		AlertType:        "VELOCITY_ATTACK",
		Title:            "test alert",
		Description:      "test description",
		AffectedRegion:   "R-01",
		RiskScore:        82.5,
		ConfidenceScore:  0.9,
		ActionTier:       model.TierEnhancedReview,
		ReasonCodes:      []string{"HIGH_AUTH_FREQUENCY"},
		SuggestedActions: []string{"review volume"},
		Status:           model.AlertActive,
	}
	require.NoError(t, store.SaveAlert(ctx, alert))

	got, found, err := store.GetAlert(ctx, "ALR-TEST01")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, alert.AlertType, got.AlertType)
	assert.Equal(t, alert.ReasonCodes, got.ReasonCodes)
	assert.InDelta(t, 82.5, got.RiskScore, 0.001)

	require.NoError(t, store.UpdateAlertStatus(ctx, "ALR-TEST01", model.AlertAcknowledged, "analyst-1"))
	got, _, err = store.GetAlert(ctx, "ALR-TEST01")
	require.NoError(t, err)
	assert.Equal(t, model.AlertAcknowledged, got.Status)

	require.NoError(t, store.SaveFeedback(ctx, "ALR-TEST01", model.FeedbackFalsePositive, "analyst-1", "load test"))

	_, found, err = store.GetAlert(ctx, "ALR-MISSING")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestActiveDevices(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-30 * time.Minute).Truncate(time.Millisecond)

	var events []model.AuthEvent
	for i := 0; i < 12; i++ {
		ev := storedEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * time.Second)
		if i >= 8 {
			ev.DeviceFingerprint = "dev-quiet"
		}
		events = append(events, ev)
	}
	_, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)

	devices, err := store.ActiveDevices(ctx, base.Add(-time.Minute), 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-abc"}, devices)
}

func TestContextCoverage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	var events []model.AuthEvent
	for i := 0; i < 6; i++ {
		ev := storedEvent(i, base)
		if i == 5 {
			ev.HourOfDay = 14
		}
		events = append(events, ev)
	}
	_, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)

	total, sufficient, err := store.ContextCoverage(ctx, base.Add(-time.Minute), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, sufficient)
}

func TestDeviceFrequencies(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	var events []model.AuthEvent
	for i := 0; i < 10; i++ {
		ev := storedEvent(i, base)
		ev.Timestamp = base.Add(time.Duration(i) * 6 * time.Minute)
		events = append(events, ev)
	}
	_, err := store.InsertEvents(ctx, events)
	require.NoError(t, err)

	freqs, err := store.DeviceFrequencies(ctx, "R-01", base.Add(-time.Minute), 5)
	require.NoError(t, err)
	require.Len(t, freqs, 1)
	// 10 events over 54 minutes with the smoothing term lands near 10/hour.
	assert.InDelta(t, 10, freqs[0], 1.5)
}
