package ingest

import (
	"context"
	"log/slog"
	"time"

	"amews/internal/metrics"
	"amews/internal/model"
)

// SendNonBlocking forwards an event to the pipeline channel, dropping
// it with a warning when the buffer is full. Ingest never blocks on a
// slow consumer.
func SendNonBlocking(ctx context.Context, out chan<- model.AuthEvent, ev model.AuthEvent, logger *slog.Logger) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.EventsDroppedTotal.WithLabelValues("channel_full").Inc()
		if logger != nil {
			logger.Warn("event channel full, dropping event", "event_id", ev.EventID, "timestamp", ev.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
