package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/taskhub/internal/api"
	"github.com/ashureev/taskhub/internal/approval"
	"github.com/ashureev/taskhub/internal/config"
	"github.com/ashureev/taskhub/internal/connection"
	"github.com/ashureev/taskhub/internal/engine"
	"github.com/ashureev/taskhub/internal/gateway"
	"github.com/ashureev/taskhub/internal/health"
	"github.com/ashureev/taskhub/internal/identity"
	"github.com/ashureev/taskhub/internal/middleware"
	"github.com/ashureev/taskhub/internal/modes"
	"github.com/ashureev/taskhub/internal/run"
	"github.com/ashureev/taskhub/internal/session"
	"github.com/ashureev/taskhub/internal/store"
	"github.com/ashureev/taskhub/internal/sweeper"
	"github.com/ashureev/taskhub/internal/tasks"
	"github.com/ashureev/taskhub/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var envFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long:  `Starts the HTTP API, the task channel endpoints, the sweeper and the optional gRPC health service.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("Starting coordinator", "port", cfg.Port, "instance", cfg.InstanceID, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		Exporter:       cfg.OTel.Exporter,
		Endpoint:       cfg.OTel.Endpoint,
		ServiceName:    cfg.OTel.ServiceName,
		SampleRate:     cfg.OTel.SampleRate,
		MetricInterval: cfg.OTel.MetricInterval,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.Shutdown(flushCtx); err != nil {
			slog.Error("Failed to flush telemetry", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(otel.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Connection rows left by a previous run of this instance have no channel behind them.
	if n, err := repo.DeleteConnectionsByInstance(ctx, cfg.InstanceID); err != nil {
		slog.Warn("Failed to clear leftover connections", "error", err)
	} else if n > 0 {
		slog.Info("Cleared leftover connections", "count", n)
	}

	catalog := tasks.Builtin()
	modeCatalogue, err := modes.New(cfg.ModesFile, catalog.Names(), logger)
	if err != nil {
		return fmt.Errorf("load modes: %w", err)
	}
	if err := modeCatalogue.Watch(ctx); err != nil {
		slog.Warn("Modes file will not be hot reloaded", "path", cfg.ModesFile, "error", err)
	}

	sessions := session.NewCoordinator(repo, session.Options{
		HistoryLimit: cfg.Session.HistoryLimit,
		Logger:       logger,
		Metrics:      metrics,
	})
	approvals := approval.NewCoordinator(repo, approval.Options{
		DefaultTimeout: cfg.Approval.DefaultTimeout,
		PollInterval:   cfg.Approval.PollInterval,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         otel.Tracer,
	})
	registry := connection.NewRegistry(repo, connection.Options{
		MaxConnections: cfg.Connection.MaxConnections,
		BufferSize:     cfg.Connection.BufferSize,
		InstanceID:     cfg.InstanceID,
		Logger:         logger,
		Metrics:        metrics,
	})

	eng, err := engine.New(engine.Options{
		MaxWorkers:    cfg.Engine.MaxWorkers,
		KillGrace:     cfg.Engine.KillGrace,
		DrainTimeout:  cfg.Engine.DrainTimeout,
		ResultTimeout: cfg.Engine.ResultTimeout,
		Approvals:     approvals,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        otel.Tracer,
	})
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	slog.Info("Engine initialized", "max_workers", cfg.Engine.MaxWorkers)

	runs := run.NewService(run.Deps{
		Sessions:  sessions,
		Approvals: approvals,
		Engine:    eng,
		Modes:     modeCatalogue,
		Publisher: registry,
	}, run.Options{
		SnapshotEvery: cfg.Session.SnapshotEvery,
		HistoryLimit:  cfg.Session.HistoryLimit,
		Logger:        logger,
		Tracer:        otel.Tracer,
	})

	// Initialize handlers.
	apiHandler := api.NewHandler(api.Deps{
		Sessions:    sessions,
		Approvals:   approvals,
		Modes:       modeCatalogue,
		Runs:        runs,
		Workers:     eng,
		Connections: registry,
		Store:       repo,
	}, 0)
	channelHandler := gateway.NewHandler(runs, registry, gateway.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		IsDev:             cfg.IsDevelopment(),
		KeepaliveInterval: cfg.Connection.HeartbeatInterval,
		Logger:            logger,
	})

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	apiHandler.RegisterRoutes(r)
	channelHandler.RegisterRoutes(r)

	// SSE and WebSocket channels are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	sweep := sweeper.New(sweeper.Config{
		Repo:        repo,
		Sessions:    sessions,
		Approvals:   approvals,
		Runs:        runs,
		Connections: registry,
		Schedule:    cfg.SweepSchedule,
		SessionTTL:  cfg.Session.TTL,
		StaleAfter:  cfg.Connection.StaleAfter,
		Logger:      logger,
	})
	sweep.RunOnce(ctx)
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	var healthSrv *health.Server
	if cfg.GRPCHealthAddr != "" {
		lc := net.ListenConfig{}
		lis, err := lc.Listen(ctx, "tcp", cfg.GRPCHealthAddr)
		if err != nil {
			sweep.Stop()
			return fmt.Errorf("listen on %s: %w", cfg.GRPCHealthAddr, err)
		}
		healthSrv = health.New(repo, health.Options{Logger: logger})
		go func() {
			if err := healthSrv.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for shutdown signal.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Suspend live runs first so their final status reaches connected clients.
	if err := runs.Shutdown(shutdownCtx); err != nil {
		slog.Error("Runs did not stop cleanly", "error", err)
	}
	registry.CloseAll(shutdownCtx, connection.ReasonShutdown)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	sweep.Stop()
	eng.Shutdown()
	if healthSrv != nil {
		healthSrv.Stop(shutdownCtx)
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("Server stopped successfully")
	return nil
}
