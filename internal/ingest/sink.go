package ingest

import (
	"context"
	"log/slog"
	"time"

	"amews/internal/config"
	"amews/internal/model"
)

type EventWriter interface {
	InsertEvents(ctx context.Context, events []model.AuthEvent) (int, error)
}

// StartSink drains the pipeline channel into the store, flushing on
// batch size or interval, whichever comes first. The final flush runs
// on shutdown so buffered events are not lost.
func StartSink(ctx context.Context, cfg config.IngestConfig, in <-chan model.AuthEvent, store EventWriter, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		batch := make([]model.AuthEvent, 0, cfg.BatchSize)
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			inserted, err := store.InsertEvents(flushCtx, batch)
			cancel()
			if err != nil {
				if logger != nil {
					logger.Error("event batch insert failed", "batch_size", len(batch), "err", err)
				}
			} else if logger != nil && inserted > 0 {
				logger.Debug("event batch persisted", "inserted", inserted, "batch_size", len(batch))
			}
			batch = batch[:0]
		}

		for {
			select {
			case ev, ok := <-in:
				if !ok {
					flush()
					return
				}
				batch = append(batch, ev)
				if len(batch) >= cfg.BatchSize {
					flush()
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				flush()
				return
			}
		}
	}()
	return done
}
