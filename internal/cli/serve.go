package cli

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fuomag9/serverlord/internal/api"
	"github.com/fuomag9/serverlord/internal/clock"
	"github.com/fuomag9/serverlord/internal/config"
	"github.com/fuomag9/serverlord/internal/database"
	"github.com/fuomag9/serverlord/internal/jobs"
	"github.com/fuomag9/serverlord/internal/monitor"
	"github.com/fuomag9/serverlord/internal/notification"
	"github.com/fuomag9/serverlord/internal/store"
	"github.com/fuomag9/serverlord/internal/telemetry"
	"github.com/fuomag9/serverlord/internal/uptime"
	"github.com/fuomag9/serverlord/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server, the sweeper and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	attribution, err := monitor.ParseAttribution(cfg.Monitor.Attribution)
	if err != nil {
		return err
	}

	s, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}
	engine := monitor.NewEngine(s, clk, monitor.Options{
		Policy: monitor.Policy{
			GracePeriod:        cfg.Monitor.GracePeriod,
			Attribution:        attribution,
			CountPendingUptime: cfg.Monitor.CountPendingUptime,
		},
		StoreTimeout: cfg.Monitor.StoreTimeout,
		Logger:       logger,
	})

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewCollector(registry, "serverlord")
	engine.Subscribe(metrics)

	// Dashboard push
	hub := websocket.NewHub(cfg.JWTSecret, cfg.CORSOrigins, logger)
	go hub.Run(ctx)
	engine.Subscribe(hub)

	// Transition notifications
	if cfg.WebhookURL != "" {
		dispatcher := notification.NewDispatcher(notification.NewWebhookSender(cfg.WebhookURL), 100, logger)
		go dispatcher.Run(ctx)
		engine.Subscribe(dispatcher)
	}

	// Background jobs
	scheduler := jobs.NewScheduler(monitor.NewSweeper(engine, cfg.Monitor.SweepConcurrency), s, clk, jobs.Options{
		SweepInterval: cfg.Monitor.SweepInterval,
		PruneInterval: cfg.Retention.PruneInterval,
		MaxAge:        cfg.Retention.MaxAge,
		MaxPerTask:    cfg.Retention.MaxPerTask,
		StoreTimeout:  cfg.Monitor.StoreTimeout,
		Reporter:      metrics,
		Logger:        logger,
	})
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	limiter := api.NewRateLimiter(cfg.Ping.RateLimit, cfg.Ping.Burst)
	go limiter.Run(ctx, 10*time.Minute)

	router := api.NewRouter(&api.Deps{
		Config:     cfg,
		Tasks:      monitor.NewTaskService(engine),
		Receiver:   monitor.NewReceiver(engine),
		Calculator: uptime.NewCalculator(s, clk, cfg.Monitor.StoreTimeout),
		Clock:      clk,
		Limiter:    limiter,
		Pings:      metrics,
		WebSocket:  hub.HandleWebSocket,
		Metrics:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.StoreType)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-serverErr:
		stop()
		scheduler.Stop(context.Background())
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
	}
	scheduler.Stop(shutdownCtx)

	logger.Info("server exited")
	return nil
}

// openStore returns the configured task store. Postgres schemas are
// migrated before use.
func openStore(cfg *config.Config, logger *slog.Logger) (store.TaskStore, error) {
	switch cfg.StoreType {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres":
		if err := database.RunMigrations(cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return store.NewPostgresStore(db), nil
	}
	return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
}
