package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"amews/internal/alerts"
	"amews/internal/baseline"
	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
	"amews/internal/risk"
	"amews/internal/storage"
)

type Server struct {
	cfg      *config.Manager
	engine   *risk.Engine
	detector *risk.Detector
	baseline *baseline.Engine
	manager  *alerts.Manager
	ring     *alerts.Store
	store    storage.Store
	logger   *slog.Logger
	version  string

	trainMu sync.Mutex
}

func Start(ctx context.Context, cfg *config.Manager, engine *risk.Engine, detector *risk.Detector, baselineEngine *baseline.Engine, manager *alerts.Manager, ring *alerts.Store, store storage.Store, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		engine:   engine,
		detector: detector,
		baseline: baselineEngine,
		manager:  manager,
		ring:     ring,
		store:    store,
		logger:   logger,
		version:  version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/risk/score", server.handleScore)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/alerts/status", server.handleAlertStatus)
	mux.HandleFunc("/alerts/feedback", server.handleFeedback)
	mux.HandleFunc("/baseline/status", server.handleBaselineStatus)
	mux.HandleFunc("/admin/train", server.handleTrain)
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
		"version":     s.version,
		"config_path": s.cfg.Path(),
		"system_mode": s.baseline.Mode(r.Context()),
		"model_ready": s.detector.Ready(),
		"ingest": map[string]any{
			"rest":  cfg.Ingest.REST.Enabled,
			"kafka": cfg.Ingest.Kafka.Enabled,
		},
		"storage_driver": cfg.Storage.Driver,
	})
}

type scoreRequest struct {
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id"`
	WindowHours int    `json:"window_hours"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req scoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	entityType := model.EntityType(req.EntityType)
	switch entityType {
	case model.EntityDevice, model.EntityRegion, model.EntityServiceProvider:
	default:
		writeError(w, http.StatusBadRequest, "unknown entity_type")
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	assessment, err := s.engine.AnalyzeEntity(r.Context(), entityType, req.EntityID, req.WindowHours)
	if err != nil {
		if errors.Is(err, risk.ErrUpstreamUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "event source unavailable, retry later")
			return
		}
		writeError(w, http.StatusInternalServerError, "assessment failed")
		return
	}
	if _, err := s.manager.HandleAssessment(r.Context(), assessment); err != nil && s.logger != nil {
		s.logger.Warn("alert handling failed", "score_id", assessment.ScoreID, "err", err)
	}
	writeJSON(w, http.StatusOK, assessment)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.Alert
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		list = s.ring.Since(ts)
	} else {
		list = s.ring.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

type alertStatusRequest struct {
	AlertID string `json:"alert_id"`
	Status  string `json:"status"`
	UserID  string `json:"user_id"`
}

func (s *Server) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req alertStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := model.AlertStatus(req.Status)
	switch status {
	case model.AlertActive, model.AlertAcknowledged, model.AlertResolved:
	default:
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if req.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alert_id is required")
		return
	}
	if err := s.manager.UpdateStatus(r.Context(), req.AlertID, status, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "status update failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type feedbackRequest struct {
	AlertID      string `json:"alert_id"`
	FeedbackType string `json:"feedback_type"`
	UserID       string `json:"user_id"`
	Notes        string `json:"notes"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req feedbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	feedback := model.FeedbackType(req.FeedbackType)
	switch feedback {
	case model.FeedbackFalsePositive, model.FeedbackConfirmedThreat, model.FeedbackPartiallyRelevant:
	default:
		writeError(w, http.StatusBadRequest, "unknown feedback_type")
		return
	}
	if req.AlertID == "" {
		writeError(w, http.StatusBadRequest, "alert_id is required")
		return
	}
	if err := s.manager.ProcessFeedback(r.Context(), req.AlertID, feedback, req.UserID, req.Notes); err != nil {
		writeError(w, http.StatusInternalServerError, "feedback processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleBaselineStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status, err := s.baseline.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "baseline status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTrain retrains the anomaly model over the training window. Only
// one training run may be in flight at a time.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.trainMu.TryLock() {
		writeError(w, http.StatusConflict, "training already in progress")
		return
	}
	defer s.trainMu.Unlock()

	cfg := s.cfg.Get().ML
	since := time.Now().UTC().AddDate(0, 0, -cfg.TrainingWindowDays)
	events, err := s.store.TrainingEvents(r.Context(), since, 500000)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "could not load training events")
		return
	}
	samples, err := s.detector.Train(r.Context(), events)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"samples": samples,
		"events":  len(events),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}
