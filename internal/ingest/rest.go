package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"amews/internal/config"
	"amews/internal/metrics"
	"amews/internal/model"
)

type RESTServer struct {
	cfg    *config.Manager
	out    chan<- model.AuthEvent
	dedupe *DedupeCache
	logger *slog.Logger
}

// StartREST exposes the ingest endpoint. It accepts a single event or
// an array of events per request and reports per-item accept counts.
func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.AuthEvent, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{cfg: cfg, out: out, dedupe: NewDedupeCache(), logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytesTrim(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted := 0
	failed := 0
	if trim[0] == '[' {
		var list []model.AuthEvent
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, ev := range list {
			if s.process(r.Context(), ev) {
				accepted++
			} else {
				failed++
			}
		}
	} else {
		var ev model.AuthEvent
		if err := json.Unmarshal(trim, &ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.process(r.Context(), ev) {
			accepted++
		} else {
			failed++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *RESTServer) process(ctx context.Context, raw model.AuthEvent) bool {
	ev, err := Normalize(raw)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("invalid").Inc()
		if s.logger != nil {
			s.logger.Warn("rest event rejected", "err", err)
		}
		return false
	}
	if s.dedupe.Seen(ev, time.Now().UTC(), s.cfg.Get().Ingest.DedupeWindow) {
		metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
		return false
	}
	if !SendNonBlocking(ctx, s.out, ev, s.logger) {
		return false
	}
	metrics.EventsIngestedTotal.WithLabelValues("rest").Inc()
	return true
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
