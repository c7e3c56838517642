// FreqEvolve Server
// Entry point for the strategy evolution service

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/saltfish/freqevolve/internal/api/grpc"
	httpapi "github.com/saltfish/freqevolve/internal/api/http"
	"github.com/saltfish/freqevolve/internal/backtest"
	"github.com/saltfish/freqevolve/internal/config"
	"github.com/saltfish/freqevolve/internal/db"
	"github.com/saltfish/freqevolve/internal/events"
	"github.com/saltfish/freqevolve/internal/evolution"
	"github.com/saltfish/freqevolve/internal/metrics"
	"github.com/saltfish/freqevolve/internal/registry"
	"github.com/saltfish/freqevolve/internal/scheduler"
	"github.com/saltfish/freqevolve/internal/store"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	generations := flag.Int("generations", 0, "Run this many generations after startup (0 disables)")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting FreqEvolve",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	// Create root context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Initialize components
	if err := run(ctx, cfg, *generations, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("FreqEvolve stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, generations int, logger *zap.Logger) error {
	// 1. Load strategy definitions
	strategies := registry.New()
	loaded, err := strategies.LoadFile(cfg.Strategies.SchemaPath)
	if err != nil {
		return fmt.Errorf("failed to load strategy schemas: %w", err)
	}
	defaultType := cfg.Strategies.DefaultType
	if defaultType == "" && len(loaded) > 0 {
		defaultType = loaded[0]
	}
	logger.Info("Strategy schemas loaded",
		zap.Strings("types", loaded),
		zap.String("default_type", defaultType),
	)

	// 2. Register backtesters per asset class
	backtesters := backtest.NewSet()
	for _, assetClass := range cfg.Docker.AssetClasses {
		backtesters.Register(assetClass, backtest.DockerConstructor(cfg.Docker, logger))
	}
	logger.Info("Backtesters registered", zap.Strings("asset_classes", backtesters.AssetClasses()))

	// 3. Checkpoint store
	var checkpoints store.Checkpointer
	var dbPool *db.Pool
	switch cfg.Persistence.Backend {
	case config.BackendFile:
		fs, err := store.NewFileStore(cfg.Persistence.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to open checkpoint directory: %w", err)
		}
		checkpoints = fs
	case config.BackendPostgres:
		logger.Info("Connecting to PostgreSQL...")
		dbPool, err = db.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer dbPool.Close()

		ps, err := store.NewPostgresStore(ctx, dbPool, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize checkpoint table: %w", err)
		}
		checkpoints = ps
	default:
		logger.Warn("Checkpointing disabled")
	}

	// 4. Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New()
	if err := m.Register(promRegistry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// 5. Event publishing: RabbitMQ (optional) plus the websocket hub
	hub := httpapi.NewHub(logger)
	go hub.Run()
	defer hub.Shutdown()

	var primary events.Publisher = events.NewNoOpPublisher()
	if cfg.RabbitMQ.Enabled {
		logger.Info("Connecting to RabbitMQ...")
		publisher, err := events.NewRabbitMQPublisher(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
		} else {
			primary = publisher
			defer publisher.Close()
			logger.Info("Connected to RabbitMQ")
		}
	} else {
		logger.Info("RabbitMQ not configured, using no-op publisher")
	}
	publisher := events.NewMultiPublisher(primary, logger, hub)

	// 6. Evolution engine
	engine, err := evolution.NewEngine(evolution.Options{
		Registry:    strategies,
		Backtesters: backtesters,
		Parallel:    scheduler.NewPool(cfg.Evolution.JobTimeout, logger),
		Sequential:  scheduler.NewSequential(logger),
		Store:       checkpoints,
		Publisher:   publisher,
		Metrics:     m,
	}, cfg.Evolution, logger)
	if err != nil {
		return fmt.Errorf("failed to create evolution engine: %w", err)
	}

	restored, err := engine.Restore(ctx)
	if err != nil {
		logger.Warn("Failed to restore checkpoint, starting empty", zap.Error(err))
	} else if restored {
		logger.Info("Evolution state restored",
			zap.String("run_id", engine.RunID().String()),
			zap.Int("generation", engine.Generation()),
			zap.Int("population_size", len(engine.Population())),
		)
	}

	coordinator := evolution.NewCoordinator(engine, logger)

	// 7. Cron-triggered steps
	var cronSched *scheduler.CronScheduler
	if cfg.Schedule.Enabled {
		cronSched = scheduler.NewCronScheduler(cfg.Schedule.PollInterval(), logger)
		if err := cronSched.AddStepJob(cfg.Schedule.Cron, coordinator); err != nil {
			return fmt.Errorf("failed to schedule evolution steps: %w", err)
		}
		if err := cronSched.Start(); err != nil {
			return fmt.Errorf("failed to start cron scheduler: %w", err)
		}
		logger.Info("Cron scheduler started", zap.String("cron", cfg.Schedule.Cron))
	}

	// 8. Step commands from RabbitMQ
	if cfg.RabbitMQ.Enabled {
		consumer, err := events.NewRabbitMQStepConsumer(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to open step command queue, step commands will not be processed", zap.Error(err))
		} else {
			defer consumer.Close()
			if err := consumer.Consume(ctx, coordinator.HandleStepCommand); err != nil {
				logger.Warn("Failed to consume step commands", zap.Error(err))
			}
		}
	}

	// 9. Start HTTP server (REST API, health, metrics, websocket)
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	handler := httpapi.NewHandler(coordinator, httpapi.Defaults{
		StrategyType: defaultType,
		Backtest:     cfg.Backtest,
		Evolution:    cfg.Evolution,
	}, logger)
	httpServer := httpapi.NewServer(httpAddr, handler, hub, m.Handler(), Version, logger)
	if dbPool != nil {
		httpServer.AddHealthCheck("postgres", dbPool)
	}

	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 10. Start gRPC health server
	grpcAddr := fmt.Sprintf(":%d", cfg.Server.GRPCPort)
	grpcServer := grpc.NewServer(coordinator.Ready, logger)
	go grpcServer.WatchReadiness(ctx, 5*time.Second)

	go func() {
		if err := grpcServer.Start(grpcAddr); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	logger.Info("FreqEvolve initialized and running",
		zap.String("grpc_address", grpcAddr),
		zap.String("http_address", httpAddr),
	)

	// 11. Optional headless run
	if generations > 0 {
		go runGenerations(ctx, coordinator, defaultType, cfg, generations, logger)
	}

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down FreqEvolve...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer shutdownCancel()

	grpcServer.Stop()
	logger.Info("gRPC server stopped")

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	if cronSched != nil {
		if err := cronSched.Stop(); err != nil {
			logger.Error("Error stopping cron scheduler", zap.Error(err))
		}
	}

	return nil
}

// runGenerations starts a run when none was restored and evolves it for n
// generations.
func runGenerations(ctx context.Context, c *evolution.Coordinator, strategyType string, cfg *config.Config, n int, logger *zap.Logger) {
	if !c.Ready() {
		if _, err := c.Start(ctx, strategyType, cfg.Backtest, nil, nil); err != nil {
			logger.Error("Failed to start evolution", zap.Error(err))
			return
		}
	}

	report, err := c.RunEvolution(ctx, nil, n)
	if err != nil {
		logger.Error("Evolution run failed", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("run_id", report.RunID.String()),
		zap.Int("generations", len(report.Generations)),
		zap.Int("promoted", len(report.Promoted)),
	}
	if summary := c.Summary(); summary.TopPerformer != nil {
		fields = append(fields, zap.String("top_performer", summary.TopPerformer.Name))
	}
	logger.Info("Evolution run completed", fields...)
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Logging.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch cfg.Logging.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Logging.OutputPath != "" {
		zapCfg.OutputPaths = []string{cfg.Logging.OutputPath}
	}

	return zapCfg.Build()
}
