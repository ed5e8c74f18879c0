package risk

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amews/internal/config"
	"amews/internal/model"
)

func testMLConfig(t *testing.T) config.MLConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig().ML
	cfg.ModelPath = filepath.Join(dir, "forest.gob")
	cfg.ScalerPath = filepath.Join(dir, "scaler.gob")
	cfg.Trees = 20
	cfg.SubsampleSize = 64
	return cfg
}

func TestFallbackNoSignals(t *testing.T) {
	d := NewDetector(testMLConfig(t), nil)
	require.False(t, d.Ready())
	score, conf := d.Score(Aggregate(quietEvents(6)))
	assert.Zero(t, score)
	assert.InDelta(t, 0.5, conf, 0.001)
}

func TestFallbackWithSignals(t *testing.T) {
	d := NewDetector(testMLConfig(t), nil)
	base := time.Now().UTC().Add(-3 * time.Hour)
	events := make([]model.AuthEvent, 0, 10)
	for i := 0; i < 10; i++ {
		ev := benignEvent(i, base)
		ev.RetryCount = 2
		if i < 4 {
			ev.Outcome = model.OutcomeFailure
		}
		events = append(events, ev)
	}
	// Signals: retry mean 2.0 and failure capped at 3.0 average to
	// 2.5, scaled by 25.
	score, conf := d.Score(Aggregate(events))
	assert.InDelta(t, 62.5, score, 0.01)
	assert.InDelta(t, 0.6, conf, 0.001)
}

func TestEmptyWindowScore(t *testing.T) {
	d := NewDetector(testMLConfig(t), nil)
	score, conf := d.Score(WindowStats{})
	assert.Zero(t, score)
	assert.InDelta(t, 0.5, conf, 0.001)
}

func trainingEvents(devices, perDevice int) []model.AuthEvent {
	rng := rand.New(rand.NewSource(7))
	base := time.Now().UTC().AddDate(0, 0, -10)
	events := make([]model.AuthEvent, 0, devices*perDevice)
	for d := 0; d < devices; d++ {
		for i := 0; i < perDevice; i++ {
			ev := model.AuthEvent{
				EventID:           fmt.Sprintf("train-%d-%d", d, i),
				Timestamp:         base.Add(time.Duration(d*perDevice+i) * time.Minute),
				AuthMethod:        model.AuthBiometric,
				ServiceCategory:   "BANKING",
				ServiceProviderID: "SP-001",
				DeviceFingerprint: fmt.Sprintf("dev-%03d", d),
				RegionCode:        "R-01",
				Outcome:           model.OutcomeSuccess,
				SessionDurationMS: int64(4000 + rng.Intn(2000)),
				HourOfDay:         9 + rng.Intn(8),
			}
			if rng.Float64() < 0.05 {
				ev.Outcome = model.OutcomeFailure
			}
			events = append(events, ev)
		}
	}
	return events
}

func TestTrainAndScore(t *testing.T) {
	cfg := testMLConfig(t)
	d := NewDetector(cfg, nil)
	events := trainingEvents(60, 20)

	samples, err := d.Train(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, 60, samples)
	assert.True(t, d.Ready())

	stats := Aggregate(quietEvents(8))
	score, conf := d.Score(stats)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
	assert.GreaterOrEqual(t, conf, 0.0)
	assert.LessOrEqual(t, conf, 1.0)

	// A fresh detector must reload the persisted artifacts and agree
	// with the in-memory one.
	reloaded := NewDetector(cfg, nil)
	require.True(t, reloaded.Ready())
	score2, conf2 := reloaded.Score(stats)
	assert.InDelta(t, score, score2, 0.0001)
	assert.InDelta(t, conf, conf2, 0.0001)
}

func TestTrainDeterministic(t *testing.T) {
	events := trainingEvents(40, 15)
	stats := Aggregate(quietEvents(10))

	d1 := NewDetector(testMLConfig(t), nil)
	_, err := d1.Train(context.Background(), events)
	require.NoError(t, err)
	s1, _ := d1.Score(stats)

	d2 := NewDetector(testMLConfig(t), nil)
	_, err = d2.Train(context.Background(), events)
	require.NoError(t, err)
	s2, _ := d2.Score(stats)

	assert.InDelta(t, s1, s2, 0.0001)
}

func TestTrainNoSamples(t *testing.T) {
	d := NewDetector(testMLConfig(t), nil)
	_, err := d.Train(context.Background(), nil)
	require.Error(t, err)
	assert.False(t, d.Ready())
}

func TestForestSeparatesOutliers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([][]float64, 0, 300)
	for i := 0; i < 300; i++ {
		data = append(data, []float64{rng.NormFloat64(), rng.NormFloat64()})
	}
	forest, err := FitForest(data, 50, 128, rng)
	require.NoError(t, err)

	inlier := forest.Score([]float64{0, 0})
	outlier := forest.Score([]float64{8, -8})
	assert.Greater(t, outlier, inlier)
	assert.Greater(t, outlier, 0.6)
}

func TestScalerTransform(t *testing.T) {
	data := [][]float64{{1, 10}, {3, 30}, {5, 50}}
	sc, err := FitScaler(data)
	require.NoError(t, err)
	out := sc.Transform([]float64{3, 30})
	assert.InDelta(t, 0, out[0], 0.0001)
	assert.InDelta(t, 0, out[1], 0.0001)

	// Constant columns must not divide by zero.
	flat, err := FitScaler([][]float64{{2, 2}, {2, 2}})
	require.NoError(t, err)
	got := flat.Transform([]float64{2, 5})
	assert.Zero(t, got[0])
	assert.InDelta(t, 3, got[1], 0.0001)
}
