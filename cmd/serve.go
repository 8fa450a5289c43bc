package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/media-orchestrator/config"
	"github.com/angeloszaimis/media-orchestrator/internal/httpserver"
	"github.com/angeloszaimis/media-orchestrator/internal/httpupstream"
	"github.com/angeloszaimis/media-orchestrator/internal/metrics"
	"github.com/angeloszaimis/media-orchestrator/internal/orchestrator"
	"github.com/angeloszaimis/media-orchestrator/pkg/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return runServe(ctx, opts.cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Logging.Level, cfg.Logging.AddSource, cfg.Server.Environment)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	collector := metrics.NewCollector(cfg.Orchestrator.MetricsBuffer, log)
	collector.Start(ctx)

	orch, err := buildOrchestrator(cfg, log, collector)
	if err != nil {
		log.Error("Failed to register upstreams", slog.Any("err", err))
		return err
	}
	defer orch.Close()

	if len(cfg.Upstreams) == 0 {
		log.Warn("No upstreams configured, every tool call will fail with unknown_upstream")
	}

	orch.Start(ctx)

	srv, err := httpserver.New(cfg.Server.Address,
		setupRouter(log, orch, collector, cfg.Server.CORSOrigins),
		httpserver.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		httpserver.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	if err != nil {
		log.Error("Failed to create server", slog.Any("err", err))
		return err
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Start()
	}()

	log.Info("Orchestrator listening",
		slog.String("address", srv.Addr()),
		slog.Any("upstreams", orch.Upstreams()))

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error("Error during shutdown", slog.Any("err", err))
		}
	case err := <-srvErrCh:
		if err != nil {
			log.Error("Error starting orchestrator", slog.Any("err", err))
			return err
		}
	}

	cancel()
	<-collector.Done()

	return nil
}

// buildOrchestrator registers one HTTP upstream per configured service.
func buildOrchestrator(cfg *config.Config, log *slog.Logger, collector *metrics.Collector) (*orchestrator.Orchestrator, error) {
	orch := orchestrator.New(cfg.OrchestratorSettings(), log, collector)

	for _, u := range cfg.Upstreams {
		opts := []httpupstream.Option{httpupstream.WithHealthPath(u.HealthPath)}
		if u.APIKey != "" {
			opts = append(opts, httpupstream.WithAPIKey(u.APIKey))
		}

		client, err := httpupstream.New(u.Name, u.URL, opts...)
		if err != nil {
			orch.Close()
			return nil, fmt.Errorf("upstream %s: %w", u.Name, err)
		}

		if err := orch.Register(u.Name, client, cfg.UpstreamSettings(u)); err != nil {
			orch.Close()
			return nil, fmt.Errorf("upstream %s: %w", u.Name, err)
		}
	}

	return orch, nil
}
