package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
)

// StartKafka consumes JSON-encoded events from the configured topic and
// feeds them into the pipeline channel.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.AuthEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	dedupe := NewDedupeCache()
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				BackoffSleep(ctx, 500*time.Millisecond)
				continue
			}
			var raw model.AuthEvent
			if err := json.Unmarshal(m.Value, &raw); err != nil {
				metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
				if logger != nil {
					logger.Warn("kafka decode error", "err", err)
				}
				continue
			}
			ev, err := Normalize(raw)
			if err != nil {
				metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
				if logger != nil {
					logger.Warn("kafka event rejected", "err", err)
				}
				continue
			}
			if dedupe.Seen(ev, time.Now().UTC(), cfg.Get().Ingest.DedupeWindow) {
				metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
				continue
			}
			if SendNonBlocking(ctx, out, ev, logger) {
				metrics.EventsIngestedTotal.WithLabelValues("kafka").Inc()
			}
		}
	}()
}
