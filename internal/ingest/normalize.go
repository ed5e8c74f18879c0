package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"amews/internal/model"
)

var (
	errMissingDevice   = errors.New("device_fingerprint_hash is required")
	errMissingRegion   = errors.New("region_code is required")
	errMissingProvider = errors.New("service_provider_id is required")
	errBadAuthMethod   = errors.New("unknown auth_method")
	errBadOutcome      = errors.New("unknown outcome")
)

// Normalize validates a decoded event and fills derivable fields:
// missing IDs and timestamps get generated, hour and weekday are
// derived from the timestamp, and enums are upper-cased.
func Normalize(ev model.AuthEvent) (model.AuthEvent, error) {
	if strings.TrimSpace(ev.DeviceFingerprint) == "" {
		return ev, errMissingDevice
	}
	if strings.TrimSpace(ev.RegionCode) == "" {
		return ev, errMissingRegion
	}
	if strings.TrimSpace(ev.ServiceProviderID) == "" {
		return ev, errMissingProvider
	}

	switch model.AuthMethod(strings.ToUpper(string(ev.AuthMethod))) {
	case model.AuthOTP:
		ev.AuthMethod = model.AuthOTP
	case model.AuthBiometric:
		ev.AuthMethod = model.AuthBiometric
	case model.AuthDemographic:
		ev.AuthMethod = model.AuthDemographic
	default:
		return ev, errBadAuthMethod
	}

	switch model.Outcome(strings.ToUpper(string(ev.Outcome))) {
	case model.OutcomeSuccess:
		ev.Outcome = model.OutcomeSuccess
	case model.OutcomeFailure:
		ev.Outcome = model.OutcomeFailure
	default:
		return ev, errBadOutcome
	}

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	if ev.RetryCount < 0 {
		ev.RetryCount = 0
	}
	if ev.SessionDurationMS < 0 {
		ev.SessionDurationMS = 0
	}
	ev.HourOfDay = ev.Timestamp.Hour()
	ev.DayOfWeek = int(ev.Timestamp.Weekday())
	return ev, nil
}
