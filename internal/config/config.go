package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Risk     RiskConfig     `json:"risk" yaml:"risk"`
	ML       MLConfig       `json:"ml" yaml:"ml"`
	Baseline BaselineConfig `json:"baseline" yaml:"baseline"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	API      APIConfig      `json:"api" yaml:"api"`
	Alerts   AlertsConfig   `json:"alerts" yaml:"alerts"`
}

type IngestConfig struct {
	ChannelBuffer int           `json:"channel_buffer" yaml:"channel_buffer"`
	BatchSize     int           `json:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	DedupeWindow  time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig    `json:"rest" yaml:"rest"`
	Kafka         KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type RiskConfig struct {
	DefaultWindowHours int     `json:"default_window_hours" yaml:"default_window_hours"`
	LowThreshold       float64 `json:"low_threshold" yaml:"low_threshold"`
	MediumThreshold    float64 `json:"medium_threshold" yaml:"medium_threshold"`
	HighThreshold      float64 `json:"high_threshold" yaml:"high_threshold"`
	RuleWeight         float64 `json:"rule_weight" yaml:"rule_weight"`
	MLWeight           float64 `json:"ml_weight" yaml:"ml_weight"`
}

type MLConfig struct {
	ModelPath          string `json:"model_path" yaml:"model_path"`
	ScalerPath         string `json:"scaler_path" yaml:"scaler_path"`
	Trees              int    `json:"trees" yaml:"trees"`
	SubsampleSize      int    `json:"subsample_size" yaml:"subsample_size"`
	TrainingWindowDays int    `json:"training_window_days" yaml:"training_window_days"`
	TrainingEntityCap  int    `json:"training_entity_cap" yaml:"training_entity_cap"`
}

type BaselineConfig struct {
	WindowDays          int     `json:"window_days" yaml:"window_days"`
	MinSampleSize       int     `json:"min_sample_size" yaml:"min_sample_size"`
	CompletionThreshold float64 `json:"completion_threshold" yaml:"completion_threshold"`
}

type AnalysisConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	Interval         time.Duration `json:"interval" yaml:"interval"`
	Workers          int           `json:"workers" yaml:"workers"`
	DeviceMinEvents  int           `json:"device_min_events" yaml:"device_min_events"`
	DeviceLimit      int           `json:"device_limit" yaml:"device_limit"`
	RegionMinEvents  int           `json:"region_min_events" yaml:"region_min_events"`
	RegionRetryFloor float64       `json:"region_retry_floor" yaml:"region_retry_floor"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type AlertsConfig struct {
	StoreLimit int           `json:"store_limit" yaml:"store_limit"`
	Cooldown   time.Duration `json:"cooldown" yaml:"cooldown"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			BatchSize:     500,
			FlushInterval: 2 * time.Second,
			DedupeWindow:  1 * time.Second,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:         KafkaConfig{Enabled: false},
		},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:amews.db?_pragma=busy_timeout(5000)"},
		Risk: RiskConfig{
			DefaultWindowHours: 24,
			LowThreshold:       30,
			MediumThreshold:    60,
			HighThreshold:      80,
			RuleWeight:         0.6,
			MLWeight:           0.4,
		},
		ML: MLConfig{
			ModelPath:          "models/outlier_forest.gob",
			ScalerPath:         "models/feature_scaler.gob",
			Trees:              100,
			SubsampleSize:      256,
			TrainingWindowDays: 30,
			TrainingEntityCap:  1000,
		},
		Baseline: BaselineConfig{
			WindowDays:          14,
			MinSampleSize:       100,
			CompletionThreshold: 80,
		},
		Analysis: AnalysisConfig{
			Enabled:          true,
			Interval:         5 * time.Minute,
			Workers:          4,
			DeviceMinEvents:  10,
			DeviceLimit:      20,
			RegionMinEvents:  100,
			RegionRetryFloor: 2,
		},
		API:    APIConfig{Enabled: true, Addr: ":8081"},
		Alerts: AlertsConfig{StoreLimit: 1000, Cooldown: 5 * time.Minute},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 10000
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 500
	}
	if cfg.Ingest.FlushInterval <= 0 {
		cfg.Ingest.FlushInterval = 2 * time.Second
	}
	if cfg.Risk.DefaultWindowHours <= 0 {
		cfg.Risk.DefaultWindowHours = 24
	}
	if cfg.Risk.RuleWeight <= 0 && cfg.Risk.MLWeight <= 0 {
		cfg.Risk.RuleWeight = 0.6
		cfg.Risk.MLWeight = 0.4
	}
	if cfg.ML.Trees <= 0 {
		cfg.ML.Trees = 100
	}
	if cfg.ML.SubsampleSize <= 0 {
		cfg.ML.SubsampleSize = 256
	}
	if cfg.ML.TrainingWindowDays <= 0 {
		cfg.ML.TrainingWindowDays = 30
	}
	if cfg.ML.TrainingEntityCap <= 0 {
		cfg.ML.TrainingEntityCap = 1000
	}
	if cfg.Baseline.WindowDays <= 0 {
		cfg.Baseline.WindowDays = 14
	}
	if cfg.Baseline.MinSampleSize <= 0 {
		cfg.Baseline.MinSampleSize = 100
	}
	if cfg.Baseline.CompletionThreshold <= 0 {
		cfg.Baseline.CompletionThreshold = 80
	}
	if cfg.Analysis.Workers <= 0 {
		cfg.Analysis.Workers = 4
	}
	if cfg.Analysis.Interval <= 0 {
		cfg.Analysis.Interval = 5 * time.Minute
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = 1000
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Storage.Driver == "" {
		return errors.New("storage.driver required")
	}
	if cfg.Risk.LowThreshold >= cfg.Risk.MediumThreshold || cfg.Risk.MediumThreshold >= cfg.Risk.HighThreshold {
		return errors.New("risk thresholds must satisfy low < medium < high")
	}
	if cfg.Risk.RuleWeight < 0 || cfg.Risk.MLWeight < 0 {
		return errors.New("risk weights must be non-negative")
	}
	if cfg.Baseline.CompletionThreshold > 100 {
		return fmt.Errorf("baseline.completion_threshold out of range: %v", cfg.Baseline.CompletionThreshold)
	}
	if cfg.ML.ModelPath == "" || cfg.ML.ScalerPath == "" {
		return errors.New("ml.model_path and ml.scaler_path required")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config with no backing file.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
