package risk

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
)

// trainSeed fixes the RNG so repeated training over the same corpus
// yields the same forest.
const trainSeed = 42

// Detector scores event windows with a persisted isolation forest,
// degrading to a statistical fallback when no model is available.
type Detector struct {
	cfg    config.MLConfig
	logger *slog.Logger

	mu     sync.RWMutex
	forest *Forest
	scaler *Scaler
}

func NewDetector(cfg config.MLConfig, logger *slog.Logger) *Detector {
	d := &Detector{cfg: cfg, logger: logger}
	if err := d.loadArtifacts(); err != nil {
		if logger != nil {
			logger.Info("no anomaly model loaded, using statistical fallback", "error", err.Error())
		}
	}
	return d
}

// Ready reports whether a trained model is loaded.
func (d *Detector) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.forest != nil && d.scaler != nil
}

// Score maps a window to an anomaly score in [0, 100] and a confidence
// in [0, 1]. Model failures degrade to the fallback rather than erroring.
func (d *Detector) Score(s WindowStats) (float64, float64) {
	if s.Count == 0 {
		return 0, 0.5
	}
	features := ExtractFeatures(s)

	d.mu.RLock()
	forest, scaler := d.forest, d.scaler
	d.mu.RUnlock()

	if forest == nil || scaler == nil {
		return fallbackScore(s)
	}
	score, conf, err := modelScore(forest, scaler, features)
	if err != nil {
		metrics.DegradedComputationsTotal.WithLabelValues("ml").Inc()
		if d.logger != nil {
			d.logger.Warn("model scoring failed, using statistical fallback", "error", err.Error())
		}
		return fallbackScore(s)
	}
	return score, conf
}

func modelScore(forest *Forest, scaler *Scaler, features []float64) (score, confidence float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model scoring panic: %v", r)
		}
	}()
	if len(features) != len(scaler.Mean) {
		return 0, 0, fmt.Errorf("feature width %d does not match scaler width %d", len(features), len(scaler.Mean))
	}
	s := forest.Score(scaler.Transform(features))
	raw := 0.5 - s
	score = clamp(50-raw*100, 0, 100)
	confidence = math.Min(1, math.Abs(raw)*2)
	return score, confidence, nil
}

// fallbackScore is the degraded path used until a model is trained. It
// averages a handful of bounded heuristic signals.
func fallbackScore(s WindowStats) (float64, float64) {
	var signals []float64
	if s.RetryMean > 1 {
		signals = append(signals, math.Min(3, s.RetryMean))
	}
	if s.FailureRatio > 0.1 {
		signals = append(signals, math.Min(3, s.FailureRatio*10))
	}
	if s.OffHoursRatio > 0.2 {
		signals = append(signals, math.Min(3, s.OffHoursRatio*5))
	}
	if len(signals) == 0 {
		return 0, 0.5
	}
	sum := 0.0
	for _, x := range signals {
		sum += x
	}
	avg := sum / float64(len(signals))
	return math.Min(100, avg*25), 0.6
}

// Train fits a new scaler and forest on per-device window features and
// atomically swaps them in after persisting both artifacts.
func (d *Detector) Train(ctx context.Context, events []model.AuthEvent) (int, error) {
	// Devices are grouped in first-seen order so a fixed corpus always
	// produces the same training set under the entity cap.
	byDevice := make(map[string][]model.AuthEvent)
	order := make([]string, 0, 128)
	for _, ev := range events {
		if _, ok := byDevice[ev.DeviceFingerprint]; !ok {
			order = append(order, ev.DeviceFingerprint)
		}
		byDevice[ev.DeviceFingerprint] = append(byDevice[ev.DeviceFingerprint], ev)
	}
	data := make([][]float64, 0, len(order))
	for _, device := range order {
		if len(data) >= d.cfg.TrainingEntityCap {
			break
		}
		data = append(data, ExtractFeatures(Aggregate(byDevice[device])))
	}
	if len(data) == 0 {
		metrics.TrainingRunsTotal.WithLabelValues("empty").Inc()
		return 0, errors.New("no training samples")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	scaler, err := FitScaler(data)
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	scaled := make([][]float64, len(data))
	for i, row := range data {
		scaled[i] = scaler.Transform(row)
	}
	rng := rand.New(rand.NewSource(trainSeed))
	forest, err := FitForest(scaled, d.cfg.Trees, d.cfg.SubsampleSize, rng)
	if err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	if err := d.saveArtifacts(forest, scaler); err != nil {
		metrics.TrainingRunsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	d.mu.Lock()
	d.forest = forest
	d.scaler = scaler
	d.mu.Unlock()

	metrics.TrainingRunsTotal.WithLabelValues("ok").Inc()
	if d.logger != nil {
		d.logger.Info("anomaly model trained", "samples", len(data), "trees", len(forest.Trees))
	}
	return len(data), nil
}

func (d *Detector) loadArtifacts() error {
	var forest Forest
	if err := decodeGob(d.cfg.ModelPath, &forest); err != nil {
		return err
	}
	var scaler Scaler
	if err := decodeGob(d.cfg.ScalerPath, &scaler); err != nil {
		return err
	}
	d.mu.Lock()
	d.forest = &forest
	d.scaler = &scaler
	d.mu.Unlock()
	return nil
}

func (d *Detector) saveArtifacts(forest *Forest, scaler *Scaler) error {
	if err := encodeGob(d.cfg.ModelPath, forest); err != nil {
		return err
	}
	return encodeGob(d.cfg.ScalerPath, scaler)
}

func decodeGob(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(out)
}

func encodeGob(path string, in any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(in); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
