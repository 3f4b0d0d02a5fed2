// Package main is the entry point for the SIEM detection service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentinel-siem/internal/config"
	apierrors "sentinel-siem/internal/errors"
	"sentinel-siem/internal/ingest"
	"sentinel-siem/internal/logging"
	"sentinel-siem/internal/secrets"
	"sentinel-siem/internal/startup"
	"sentinel-siem/internal/supervisor"
	"sentinel-siem/internal/supervisor/services"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	apierrors.SetProductionMode(cfg.Logging.Level != "debug")

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"storage_backend", cfg.Storage.Backend,
		"state_backend", cfg.State.Backend,
		"anomaly_enabled", cfg.Anomaly.Enabled,
		"kafka_alerts", cfg.Alerting.KafkaEnabled,
		"kafka_lines", cfg.Integrations.Kafka.ConsumeLines,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveCredentials(ctx, cfg, logger); err != nil {
		logger.Error("failed to resolve credentials", "error", err)
		os.Exit(1)
	}

	diag := startup.NewDiagnostics(cfg, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() {
		logger.Error("refusing to start with failed diagnostics")
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("detector exited with error", "error", err)
		os.Exit(1)
	}
}

// resolveCredentials swaps credential references in cfg for their values.
func resolveCredentials(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	sc := secrets.Config{
		FileDir:  cfg.Secrets.FileDir,
		CacheTTL: cfg.Secrets.CacheTTL,
		Logger:   logger,
	}
	if v := cfg.Secrets.Vault; v.Enabled {
		sc.Vault = secrets.VaultConfig{Address: v.Address, Token: v.Token, Path: v.Path, Timeout: v.Timeout}
	}

	mgr, err := secrets.NewManager(sc)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return cfg.ResolveCredentials(ctx, mgr.Resolve)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	mux := http.NewServeMux()
	app.registerRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	handler, stopLimiter := ingest.WithMiddleware(mux, cfg)
	defer stopLimiter()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfigFrom(cfg.Supervisor))
	if err := app.addServices(ctx, tree); err != nil {
		return err
	}
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	logger.Info("starting detector", "address", server.Addr)

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn("service did not stop in time", "service", svc.Name)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}

	// Workers have stopped; nothing else will pop from the queue.
	app.queue.Close()

	accepted, rejected := app.intake.Stats()
	qm := app.queue.Metrics()
	logger.Info("shutdown complete",
		"lines_accepted", accepted,
		"lines_rejected", rejected,
		"queue_pushed", qm.Pushed,
		"queue_popped", qm.Popped,
		"queue_dropped", qm.Dropped,
	)
	return nil
}
