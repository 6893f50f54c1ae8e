package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcphub-go/internal/command"
	"mcphub-go/internal/config"
	"mcphub-go/internal/events"
	"mcphub-go/internal/eventstream"
	"mcphub-go/internal/health"
	"mcphub-go/internal/logs"
	"mcphub-go/internal/metrics"
	"mcphub-go/internal/processlock"
	"mcphub-go/internal/registry"
	"mcphub-go/internal/router"
	"mcphub-go/internal/shutdown"
	"mcphub-go/internal/startup"
	"mcphub-go/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the hub and bring the configured server fleet online",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Logging != nil && cfg.Logging.EnableFile && cfg.Logging.LogDir == "" {
		cfg.Logging.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	lock := processlock.New(cfg.DataDir, logger)
	if err := lock.Acquire(cfg.Listen); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	logger.Info("starting mcphub",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("servers", len(cfg.Servers)))

	coordinator := shutdown.NewCoordinator(logger)

	// Event bus first; everything else hangs off it.
	busOpts := []events.Option{}
	if cfg.EventRetention > 0 {
		busOpts = append(busOpts, events.WithRetention(cfg.EventRetention))
	}
	if cfg.EventMaxAge > 0 {
		busOpts = append(busOpts, events.WithMaxAge(cfg.EventMaxAge.Duration()))
	}
	bus := events.NewBus(logger, busOpts...)

	store, err := storage.NewManager(cfg.DataDir, logger.Sugar())
	if err != nil {
		return err
	}
	store.Bind(bus)
	coordinator.Register("storage", shutdown.PhaseStorage, func(context.Context) error {
		return store.Close()
	})
	coordinator.Register("event bus", shutdown.PhaseCleanup, func(context.Context) error {
		bus.Close()
		return nil
	})

	reg := registry.New(bus, logger)
	for _, sc := range cfg.Servers {
		if _, err := reg.Add(sc); err != nil {
			logger.Error("failed to register server",
				zap.String("server", sc.Name), zap.Error(err))
			continue
		}
		if err := store.SaveServerConfig(sc); err != nil {
			logger.Warn("failed to persist server descriptor",
				zap.String("server", sc.Name), zap.Error(err))
		}
	}
	coordinator.Register("server fleet", shutdown.PhaseServers, func(ctx context.Context) error {
		return errors.Join(reg.Close(ctx)...)
	})

	collector := metrics.NewCollector(prometheus.DefaultRegisterer, logger)
	collector.Bind(bus)
	coordinator.Register("metrics", shutdown.PhaseMonitors, func(context.Context) error {
		collector.Close()
		return nil
	})

	supervisor := health.NewSupervisor(reg, bus, logger)
	supervisor.Start()
	coordinator.Register("health monitors", shutdown.PhaseMonitors, func(context.Context) error {
		supervisor.Stop()
		return nil
	})

	// No model provider is wired at the CLI edge yet; tool-only routing
	// still works and model strategies report the missing provider.
	rtr, err := router.New(reg, bus, nil, nil, cfg.Router, logger)
	if err != nil {
		return err
	}
	rtr.Start()
	coordinator.Register("router", shutdown.PhaseMonitors, func(context.Context) error {
		rtr.Stop()
		return nil
	})

	stream := eventstream.NewManager(bus, logger)
	coordinator.Register("event stream", shutdown.PhaseStreams, func(context.Context) error {
		stream.Close()
		return nil
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	executor := command.NewExecutor(reg, bus, logger)
	boot := startup.NewManager(reg, executor, cfg.MaxConcurrentConnections, logger)
	boot.StartAll(ctx)

	// Config hot reload, when a config file actually exists on disk.
	if _, statErr := os.Stat(configPath); statErr == nil {
		loader, err := config.NewLoader(configPath, logger)
		if err != nil {
			return err
		}
		if err := loader.StartWatching(func(next *config.Config) error {
			for _, applyErr := range reg.ApplyConfig(ctx, next) {
				logger.Warn("config change not fully applied", zap.Error(applyErr))
			}
			return nil
		}); err != nil {
			return err
		}
		coordinator.Register("config watcher", shutdown.PhaseCleanup, func(context.Context) error {
			return loader.Stop()
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/events", stream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	coordinator.Register("http listener", shutdown.PhaseListeners, func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("admin listener up", zap.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		logger.Error("admin listener failed, shutting down", zap.Error(err))
	case <-ctx.Done():
	}

	cancel()
	return coordinator.Shutdown(context.Background())
}
