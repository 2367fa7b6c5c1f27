package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/config"
	"github.com/flightdeckci/flightdeck/internal/dispatch"
	"github.com/flightdeckci/flightdeck/internal/events"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/lifecycle"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/server/handlers"
	"github.com/flightdeckci/flightdeck/internal/server/httpserver"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/watchdog"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
		Metrics bool `help:"Expose Prometheus metrics on /metrics" default:"true"`
	} `cmd:"" help:"Run the build controller"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "serve":
		cfg, err := config.Load(CLI.Config)
		if err != nil {
			slog.Error("Failed to load configuration", logfields.Error(err))
			os.Exit(1)
		}
		if CLI.Verbose {
			cfg.Logging.Level = string(config.LogLevelDebug)
		}
		if err := runServe(cfg); err != nil {
			slog.Error("Controller failed", logfields.Error(err))
			os.Exit(1)
		}
	case "init":
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", logfields.Error(err))
			os.Exit(1)
		}
	}
}

func runInit(configPath string, force bool) error {
	slog.Info("Initializing configuration", slog.String("path", configPath), slog.Bool("force", force))
	return config.Init(configPath, force)
}

func runServe(cfg *config.Config) error {
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close metadata store", logfields.Error(err))
		}
	}()

	blobs, err := blob.NewFSStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	var (
		recorder metrics.Recorder = metrics.NoopRecorder{}
		registry *prom.Registry
	)
	if CLI.Serve.Metrics {
		registry = prom.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder = metrics.NewPrometheusRecorder(registry)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.Events.Enabled {
		np, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, "FLIGHTDECK_BUILDS", logger)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		defer np.Close()
		publisher = np
	}

	dispatcher := dispatch.New(st, publisher, recorder, logger, cfg.Tokens.OTPTTL.Std())
	if err := dispatcher.Restore(context.Background()); err != nil {
		return fmt.Errorf("restore dispatch queue: %w", err)
	}

	engine := lifecycle.New(st, blobs, dispatcher, publisher, recorder, logger, lifecycle.Limits{
		MaxSourceBytes: cfg.Limits.MaxSourceBytes,
		MaxCertsBytes:  cfg.Limits.MaxCertsBytes,
		MaxResultBytes: cfg.Limits.MaxResultBytes,
	}, cfg.Tokens.VMTokenTTL.Std())

	wd, err := watchdog.New(st, blobs, engine, recorder, logger, watchdog.Config{
		Interval:          cfg.Watchdog.Interval.Std(),
		HeartbeatDeadline: cfg.Watchdog.HeartbeatDeadline.Std(),
		AssignmentGrace:   cfg.Watchdog.AssignmentGrace.Std(),
		RetentionWindow:   cfg.Retention.Window.Std(),
		SweepInterval:     cfg.Retention.SweepInterval.Std(),
	})
	if err != nil {
		return fmt.Errorf("create watchdog: %w", err)
	}
	if err := wd.Start(); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}

	adapter := ferrors.NewHTTPErrorAdapter(logger)
	h := handlers.New(engine, st, blobs, dispatcher, adapter, recorder, logger, cfg.Auth.AdminAPIKey)
	srv := httpserver.New(h, adapter, logger, httpserver.Options{
		Addr:         cfg.Server.ListenAddr,
		ReadTimeout:  cfg.Server.RequestTimeout.Std(),
		WriteTimeout: cfg.Server.RequestTimeout.Std(),
		IdleTimeout:  2 * cfg.Server.RequestTimeout.Std(),
		Registry:     registry,
	})

	errCh := make(chan error, 1)
	if err := srv.Start(errCh); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	logger.Info("Controller started",
		slog.String("addr", cfg.Server.ListenAddr),
		slog.String("database", cfg.Database.Path),
		slog.String("storage", cfg.Storage.Root),
		slog.Bool("events", cfg.Events.Enabled))

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-sigCtx.Done():
		logger.Info("Shutdown signal received, stopping controller")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", logfields.Error(err))
	}
	if err := wd.Stop(); err != nil {
		logger.Warn("Watchdog shutdown incomplete", logfields.Error(err))
	}

	logger.Info("Controller stopped")
	return nil
}
