package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amews/internal/model"
)

func validEvent() model.AuthEvent {
	return model.AuthEvent{
		AuthMethod:        "biometric",
		ServiceCategory:   "BANKING",
		ServiceProviderID: "SP-001",
		DeviceFingerprint: "dev-abc",
		RegionCode:        "R-01",
		Outcome:           "success",
		SessionDurationMS: 4200,
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	ev, err := Normalize(validEvent())
	require.NoError(t, err)
	assert.NotEmpty(t, ev.EventID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, model.AuthBiometric, ev.AuthMethod)
	assert.Equal(t, model.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, ev.Timestamp.Hour(), ev.HourOfDay)
	assert.Equal(t, int(ev.Timestamp.Weekday()), ev.DayOfWeek)
}

func TestNormalizeDerivesHourFromTimestamp(t *testing.T) {
	raw := validEvent()
	raw.Timestamp = time.Date(2026, 3, 14, 2, 30, 0, 0, time.UTC)
	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 2, ev.HourOfDay)
	assert.True(t, model.OffHour(ev.HourOfDay))
}

func TestNormalizeClampsNegatives(t *testing.T) {
	raw := validEvent()
	raw.RetryCount = -3
	raw.SessionDurationMS = -100
	ev, err := Normalize(raw)
	require.NoError(t, err)
	assert.Zero(t, ev.RetryCount)
	assert.Zero(t, ev.SessionDurationMS)
}

func TestNormalizeRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.AuthEvent)
	}{
		{"missing device", func(ev *model.AuthEvent) { ev.DeviceFingerprint = "" }},
		{"missing region", func(ev *model.AuthEvent) { ev.RegionCode = " " }},
		{"missing provider", func(ev *model.AuthEvent) { ev.ServiceProviderID = "" }},
		{"bad auth method", func(ev *model.AuthEvent) { ev.AuthMethod = "PASSWORD" }},
		{"bad outcome", func(ev *model.AuthEvent) { ev.Outcome = "MAYBE" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validEvent()
			tc.mutate(&raw)
			_, err := Normalize(raw)
			assert.Error(t, err)
		})
	}
}

func TestDedupeCache(t *testing.T) {
	cache := NewDedupeCache()
	ev, err := Normalize(validEvent())
	require.NoError(t, err)
	now := time.Now().UTC()

	assert.False(t, cache.Seen(ev, now, time.Second))
	assert.True(t, cache.Seen(ev, now.Add(500*time.Millisecond), time.Second))
	assert.False(t, cache.Seen(ev, now.Add(3*time.Second), time.Second))
}
