// Package baseline maintains per-region behavioral baselines and the
// system learning mode. Scores are only adjusted against baselines once
// enough contexts have accumulated a minimum sample.
package baseline

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
)

// deviceFrequencyMinEvents filters out devices too quiet to contribute
// a meaningful per-device frequency sample.
const deviceFrequencyMinEvents = 5

// estimatedFailureRateStd stands in for a per-event failure variance the
// aggregate queries do not compute.
const estimatedFailureRateStd = 0.05

type store interface {
	ContextCoverage(ctx context.Context, since time.Time, minSample int) (total int, sufficient int, err error)
	CoveredRegions(ctx context.Context, since time.Time, minSample int) ([]string, error)
	RegionAggregates(ctx context.Context, region string, since time.Time) (model.BaselineMetrics, error)
	DeviceFrequencies(ctx context.Context, region string, since time.Time, minEvents int) ([]float64, error)
	SaveBaseline(ctx context.Context, region, timeBand, service string, m model.BaselineMetrics) error
	LoadSystemMode(ctx context.Context) (model.SystemMode, float64, bool, error)
	SaveSystemMode(ctx context.Context, mode model.SystemMode, completion float64) error
}

type Engine struct {
	cfg    config.BaselineConfig
	db     store
	logger *slog.Logger

	active   atomic.Bool
	loadOnce sync.Once

	mu          sync.RWMutex
	baselines   map[string]model.BaselineMetrics
	sensitivity float64
}

func NewEngine(cfg config.BaselineConfig, db store, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		db:          db,
		logger:      logger,
		baselines:   make(map[string]model.BaselineMetrics),
		sensitivity: 1.0,
	}
}

func (e *Engine) windowStart() time.Time {
	return time.Now().UTC().AddDate(0, 0, -e.cfg.WindowDays)
}

// restoreMode replays the persisted mode so a restart cannot demote an
// actively monitoring system back to learning.
func (e *Engine) restoreMode(ctx context.Context) {
	e.loadOnce.Do(func() {
		mode, completion, found, err := e.db.LoadSystemMode(ctx)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("could not restore system mode", "error", err.Error())
			}
			return
		}
		if found && mode == model.ModeActiveMonitoring {
			e.active.Store(true)
			metrics.BaselineCompletion.Set(completion)
		}
	})
}

// Mode reports the current system mode. The switch to active monitoring
// is one-way.
func (e *Engine) Mode(ctx context.Context) model.SystemMode {
	e.restoreMode(ctx)
	if e.active.Load() {
		return model.ModeActiveMonitoring
	}
	return model.ModeBaselineLearning
}

// Status recomputes learning completion from context coverage and
// latches the mode once the threshold is crossed.
func (e *Engine) Status(ctx context.Context) (model.SystemStatus, error) {
	e.restoreMode(ctx)
	since := e.windowStart()

	total, sufficient, err := e.db.ContextCoverage(ctx, since, e.cfg.MinSampleSize)
	if err != nil {
		return model.SystemStatus{}, err
	}
	completion := 0.0
	if total > 0 {
		completion = math.Min(100, float64(sufficient)/float64(total)*100)
	}
	metrics.BaselineCompletion.Set(completion)

	if !e.active.Load() && completion >= e.cfg.CompletionThreshold {
		e.active.Store(true)
		if err := e.db.SaveSystemMode(ctx, model.ModeActiveMonitoring, completion); err != nil && e.logger != nil {
			e.logger.Warn("could not persist system mode", "error", err.Error())
		}
		if e.logger != nil {
			e.logger.Info("baseline learning complete, switching to active monitoring",
				"completion_percentage", completion)
		}
	}

	regions, err := e.db.CoveredRegions(ctx, since, e.cfg.MinSampleSize)
	if err != nil {
		return model.SystemStatus{}, err
	}
	mode := model.ModeBaselineLearning
	if e.active.Load() {
		mode = model.ModeActiveMonitoring
	}
	return model.SystemStatus{
		Mode:               mode,
		CompletionPercent:  completion,
		BaselineWindowDays: e.cfg.WindowDays,
		RegionsCovered:     regions,
		UpdatedAt:          time.Now().UTC(),
	}, nil
}

// Deviation measures how far a region's live metrics sit from its
// learned baseline, in [0, 1]. Non-region entities and regions without
// a sufficient sample report zero.
func (e *Engine) Deviation(ctx context.Context, entityType model.EntityType, entityID string, current model.CurrentMetrics) (float64, error) {
	if entityType != model.EntityRegion {
		return 0, nil
	}
	b, err := e.regionBaseline(ctx, entityID)
	if err != nil {
		return 0, err
	}
	if b.SampleSize < e.cfg.MinSampleSize {
		return 0, nil
	}
	failureDev := 0.0
	if b.FailureRateMean > 0 {
		failureDev = math.Abs(current.FailureRate-b.FailureRateMean) / b.FailureRateMean
	}
	freqDev := 0.0
	if b.AuthFrequencyMean > 0 {
		freqDev = math.Abs(current.AuthFrequency-b.AuthFrequencyMean) / b.AuthFrequencyMean
	}
	return math.Min(1, 0.6*failureDev+0.4*freqDev), nil
}

func (e *Engine) regionBaseline(ctx context.Context, region string) (model.BaselineMetrics, error) {
	e.mu.RLock()
	b, ok := e.baselines[region]
	e.mu.RUnlock()
	if ok {
		return b, nil
	}
	b, err := e.computeRegionBaseline(ctx, region)
	if err != nil {
		return model.BaselineMetrics{}, err
	}
	e.mu.Lock()
	e.baselines[region] = b
	e.mu.Unlock()
	return b, nil
}

func (e *Engine) computeRegionBaseline(ctx context.Context, region string) (model.BaselineMetrics, error) {
	since := e.windowStart()
	m, err := e.db.RegionAggregates(ctx, region, since)
	if err != nil {
		return model.BaselineMetrics{}, err
	}
	freqs, err := e.db.DeviceFrequencies(ctx, region, since, deviceFrequencyMinEvents)
	if err != nil {
		return model.BaselineMetrics{}, err
	}
	m.AuthFrequencyMean, m.AuthFrequencyStd = meanStd(freqs)
	m.FailureRateStd = estimatedFailureRateStd
	return m, nil
}

// RecomputeAll rebuilds and persists every covered region's baseline,
// then refreshes the mode latch.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	since := e.windowStart()
	regions, err := e.db.CoveredRegions(ctx, since, e.cfg.MinSampleSize)
	if err != nil {
		return err
	}
	fresh := make(map[string]model.BaselineMetrics, len(regions))
	for _, region := range regions {
		b, err := e.computeRegionBaseline(ctx, region)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("baseline recompute failed for region", "region", region, "error", err.Error())
			}
			continue
		}
		if err := e.db.SaveBaseline(ctx, region, "ALL", "ALL", b); err != nil {
			if e.logger != nil {
				e.logger.Warn("baseline persist failed for region", "region", region, "error", err.Error())
			}
			continue
		}
		fresh[region] = b
	}
	e.mu.Lock()
	e.baselines = fresh
	e.mu.Unlock()

	_, err = e.Status(ctx)
	return err
}

// RecordFeedback nudges alerting sensitivity from operator feedback.
// False positives lower it, everything else raises it.
func (e *Engine) RecordFeedback(feedback model.FeedbackType) {
	factor := 1.05
	if feedback == model.FeedbackFalsePositive {
		factor = 0.95
	}
	e.mu.Lock()
	e.sensitivity *= factor
	updated := e.sensitivity
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("alert sensitivity adjusted",
			"feedback", string(feedback), "factor", factor, "sensitivity", updated)
	}
}

func (e *Engine) Sensitivity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sensitivity
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var m, m2 float64
	for i, x := range values {
		d := x - m
		m += d / float64(i+1)
		m2 += d * (x - m)
	}
	if len(values) > 1 {
		std = math.Sqrt(m2 / float64(len(values)))
	}
	return m, std
}
