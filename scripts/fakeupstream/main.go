// fakeupstream is a stand-in media service for exercising the orchestrator
// locally. It answers POST /tools/{tool} with a JSON echo and GET /health,
// and can be flipped into an outage to watch the circuit breaker open and
// recover.
//
// Usage:
//
//	go run ./scripts/fakeupstream -name sabnzbd -port 9101
//	curl -X POST localhost:9101/admin/down
//	curl -X POST localhost:9101/admin/up
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angeloszaimis/media-orchestrator/pkg/logger"
)

type service struct {
	name      string
	latency   time.Duration
	failEvery int64
	down      atomic.Bool
	calls     atomic.Int64
	log       *slog.Logger
}

func main() {
	var (
		name      = flag.String("name", "sabnzbd", "service name reported in responses")
		port      = flag.Int("port", 9101, "port to listen on")
		latency   = flag.Duration("latency", 0, "delay added to every tool call")
		failEvery = flag.Int64("fail-every", 0, "answer 503 on every Nth tool call (0 disables)")
		level     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	svc := &service{
		name:      *name,
		latency:   *latency,
		failEvery: *failEvery,
		log:       logger.New(*level, false, "dev").With(slog.String("upstream", *name)),
	}

	addr := fmt.Sprintf(":%d", *port)
	svc.log.Info("Fake upstream listening", slog.String("address", addr))
	if err := http.ListenAndServe(addr, svc.routes()); err != nil {
		svc.log.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func (s *service) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Post("/tools/{tool}", s.invoke)
	r.Post("/admin/down", s.setDown(true))
	r.Post("/admin/up", s.setDown(false))
	return r
}

func (s *service) health(w http.ResponseWriter, _ *http.Request) {
	if s.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *service) invoke(w http.ResponseWriter, r *http.Request) {
	tool := chi.URLParam(r, "tool")
	n := s.calls.Add(1)

	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-r.Context().Done():
			return
		}
	}

	if s.down.Load() || (s.failEvery > 0 && n%s.failEvery == 0) {
		s.log.Warn("Failing tool call", slog.String("tool", tool), slog.Int64("call", n))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": s.name + " is unavailable"})
		return
	}

	var params map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
	}

	s.log.Debug("Tool call", slog.String("tool", tool), slog.Int64("call", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      uuid.NewString(),
		"service": s.name,
		"tool":    tool,
		"params":  params,
	})
}

func (s *service) setDown(down bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.down.Store(down)
		s.log.Info("Outage toggled", slog.Bool("down", down))
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
