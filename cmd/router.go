package main

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/angeloszaimis/media-orchestrator/internal/handler"
	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
)

func setupRouter(log *slog.Logger, orch handler.Orchestrator, collector *metrics.Collector, origins []string) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(handler.RequestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(origins))

	humaConfig := huma.DefaultConfig("Media Orchestrator", version)
	humaConfig.Info.Description = "Tool calls against home media services with per-upstream fault isolation"
	api := humachi.New(router, humaConfig)

	handler.NewToolHandler(log, orch).Register(api)
	router.Get("/metrics", collector.Handler())

	return router
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}
