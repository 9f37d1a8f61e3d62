// missiond is the runtime coordination daemon for Mission Control: it owns
// the agent session registry, the work dispatch poller, and the task
// lifecycle cleanup around them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/backoff"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/bus"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/config"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/dispatch"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/lifecycle"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/otel"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/persistence"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/session"
	"github.com/0xGeegZ/openclaw-mission-control-sub006/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "missiond:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeDir = flag.String("home", "", "missiond home directory (default ~/.missiond)")
		quiet   = flag.Bool("quiet", false, "log to file only, not stdout")
	)
	flag.Parse()

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	registry := session.NewRegistry(store, eventBus, metrics, logger)

	var deliverer dispatch.Deliverer
	if cfg.Dispatch.AgentEndpoint != "" {
		deliverer = dispatch.NewHTTPDeliverer(cfg.Dispatch.AgentEndpoint, cfg.DeliveryTimeout())
	} else {
		logger.Warn("no agent_endpoint configured, deliveries are log-only")
		deliverer = dispatch.LogDeliverer{Logger: logger}
	}

	poller := dispatch.New(dispatch.Config{
		Store:        store,
		Registry:     registry,
		Deliverer:    deliverer,
		Scheduler:    backoff.New(cfg.BackoffBase(), cfg.BackoffMax()),
		Bus:          eventBus,
		Metrics:      metrics,
		Logger:       logger,
		PollInterval: cfg.PollInterval(),
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
	})
	poller.Start(ctx)

	sweeper, err := lifecycle.NewSweeper(lifecycle.SweeperConfig{
		Store:    store,
		Registry: registry,
		Logger:   logger,
		Schedule: cfg.Lifecycle.SweepSchedule,
	})
	if err != nil {
		return err
	}
	sweeper.Start(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config changed on disk; restart to apply dispatch tuning")
			}
		}()
	}

	logger.Info("missiond started",
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval(),
		"sweep_schedule", cfg.Lifecycle.SweepSchedule,
	)

	<-ctx.Done()
	logger.Info("shutting down", "drain_timeout", cfg.DrainTimeout())

	done := make(chan struct{})
	go func() {
		poller.Stop()
		sweeper.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.DrainTimeout()):
		logger.Warn("drain timeout exceeded, exiting with in-flight work")
	}
	return nil
}
