// Package analysis drives the periodic background sweep: it selects the
// recently active entities, scores each one, and hands assessments to
// the alert manager.
package analysis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"amews/internal/alerts"
	"amews/internal/baseline"
	"amews/internal/config"
	"amews/internal/model"
	"amews/internal/risk"
	"amews/internal/storage"
)

type Runner struct {
	cfg      config.AnalysisConfig
	engine   *risk.Engine
	baseline *baseline.Engine
	manager  *alerts.Manager
	store    storage.Store
	logger   *slog.Logger
}

func NewRunner(cfg config.AnalysisConfig, engine *risk.Engine, baselineEngine *baseline.Engine, manager *alerts.Manager, store storage.Store, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		engine:   engine,
		baseline: baselineEngine,
		manager:  manager,
		store:    store,
		logger:   logger,
	}
}

// Start runs the sweep loop until the context is cancelled. The first
// sweep runs after one full interval so startup is not front-loaded.
func (r *Runner) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if !r.cfg.Enabled {
		if r.logger != nil {
			r.logger.Info("periodic analysis disabled")
		}
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// Sweep scores recently active devices and regions over a bounded
// worker pool, then refreshes the baselines.
func (r *Runner) Sweep(ctx context.Context) {
	start := time.Now()
	since := time.Now().UTC().Add(-time.Hour)

	type target struct {
		entityType model.EntityType
		entityID   string
	}
	var targets []target

	devices, err := r.store.ActiveDevices(ctx, since, r.cfg.DeviceMinEvents, r.cfg.DeviceLimit)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("active device query failed", "err", err)
		}
	} else {
		for _, id := range devices {
			targets = append(targets, target{model.EntityDevice, id})
		}
	}
	regions, err := r.store.ActiveRegions(ctx, since, r.cfg.RegionMinEvents, r.cfg.RegionRetryFloor)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("active region query failed", "err", err)
		}
	} else {
		for _, id := range regions {
			targets = append(targets, target{model.EntityRegion, id})
		}
	}

	jobs := make(chan target)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				r.analyzeOne(ctx, t.entityType, t.entityID)
			}
		}()
	}
	for _, t := range targets {
		select {
		case jobs <- t:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	if err := r.baseline.RecomputeAll(ctx); err != nil && r.logger != nil {
		r.logger.Warn("baseline recompute failed", "err", err)
	}
	if r.logger != nil {
		r.logger.Info("analysis sweep complete",
			"targets", len(targets), "duration", time.Since(start).String())
	}
}

func (r *Runner) analyzeOne(ctx context.Context, entityType model.EntityType, entityID string) {
	assessment, err := r.engine.AnalyzeEntity(ctx, entityType, entityID, 0)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("entity analysis failed",
				"entity_type", string(entityType), "entity_id", entityID, "err", err)
		}
		return
	}
	if _, err := r.manager.HandleAssessment(ctx, assessment); err != nil && r.logger != nil {
		r.logger.Warn("alert handling failed", "score_id", assessment.ScoreID, "err", err)
	}
}
