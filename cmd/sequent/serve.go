package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/sequent/pkg/backend"
	"github.com/cuemby/sequent/pkg/backend/memory"
	"github.com/cuemby/sequent/pkg/backend/postgres"
	"github.com/cuemby/sequent/pkg/backend/sqlite"
	"github.com/cuemby/sequent/pkg/config"
	"github.com/cuemby/sequent/pkg/errstrategy"
	"github.com/cuemby/sequent/pkg/log"
	"github.com/cuemby/sequent/pkg/metrics"
	"github.com/cuemby/sequent/pkg/notifier"
	"github.com/cuemby/sequent/pkg/reactor"
	"github.com/cuemby/sequent/pkg/supervisor"
	"github.com/cuemby/sequent/pkg/workqueue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool, notifier, poller, and housekeeper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("backend", "", "storage backend: postgres, sqlite, or memory (overrides config)")
	serveCmd.Flags().String("dsn", "", "backend connection string (overrides config)")
	serveCmd.Flags().Int("workers", 0, "worker pool size (overrides config, 0 means use config)")
	serveCmd.Flags().String("metrics-addr", "", "address to serve /metrics, /health, /ready, /live on (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyServeFlags(cmd, &cfg)

	logger := log.WithComponent("cmd.serve")

	registry, err := buildRegistry()
	if err != nil {
		return fmt.Errorf("build reactor registry: %w", err)
	}

	queue := workqueue.New(cfg.Router.QueueCapacity)

	store, pub, err := openBackend(cfg.Backend, registry, queue)
	if err != nil {
		return fmt.Errorf("open backend %q: %w", cfg.Backend.Driver, err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Install(ctx); err != nil {
		return fmt.Errorf("install schema: %w", err)
	}

	strategy := errstrategy.NewDefault()
	strategy.MaxRetries = cfg.Router.MaxRetries

	sup := supervisor.New(store, registry, strategy, pub, queue, supervisor.Config{
		Workers:           cfg.Router.Workers,
		HouseKeepers:      cfg.Router.HouseKeepers,
		PollInterval:      cfg.Router.PollInterval,
		HousekeepInterval: cfg.Router.HousekeepInterval,
		QueueCapacity:     cfg.Router.QueueCapacity,
		BatchSize:         cfg.Router.BatchSize,
		MaxDrainRounds:    cfg.Router.MaxDrainRounds,
		ClaimTTL:          cfg.Router.ClaimTTL,
		WorkerIDPrefix:    "worker",
	})

	metrics.SetVersion(Version)
	metrics.RegisterComponent("backend", true, "installed")
	metrics.RegisterComponent("notifier", true, "ready")
	metrics.RegisterComponent("workqueue", true, "ready")

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")
	}

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	logger.Info().
		Str("backend", cfg.Backend.Driver).
		Int("workers", cfg.Router.Workers).
		Msg("sequent serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	sup.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("shutdown complete")
	return nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Backend.Driver = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		cfg.Backend.DSN = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Router.Workers = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// openBackend opens the configured Backend and returns the notifier.Publisher
// (nil for memory, which has no pub/sub) whose lifecycle the supervisor
// manages. fanout is wired to registry/queue so every backend's publish
// path — pg_notify on postgres, an inline callback on sqlite — ends up
// pushing the same reactors onto the same queue the workers drain.
func openBackend(cfg config.BackendConfig, registry *reactor.Registry, queue *workqueue.Queue) (backend.Backend, notifier.Publisher, error) {
	fanout := notifier.NewFanout(registry, queue)

	switch cfg.Driver {
	case "postgres":
		store, err := postgres.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		pub := notifier.NewPostgres(cfg.DSN, fanout, time.Second, time.Minute)
		return store, pub, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.DSN, fanout)
		if err != nil {
			return nil, nil, err
		}
		return store, notifier.NewInline(fanout), nil
	case "memory", "":
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}
