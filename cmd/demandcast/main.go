package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/demandcast/demandcast/api"
	"github.com/demandcast/demandcast/internal/alerting"
	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/database"
	"github.com/demandcast/demandcast/internal/drift"
	"github.com/demandcast/demandcast/internal/featurestore"
	"github.com/demandcast/demandcast/internal/forecast"
	"github.com/demandcast/demandcast/internal/registry"
	"github.com/demandcast/demandcast/internal/scheduler"
	"github.com/demandcast/demandcast/pkg/logger"
	"github.com/demandcast/demandcast/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	metrics.RegisterDefault()

	// Tracing: stdout exporter; swap for a collector exporter in deployment.
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		zapLogger.Fatal("Failed to create trace exporter", zap.Error(err))
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tracerProvider)

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	blobDB, err := database.NewBadgerDB(cfg.BlobStore.Path, cfg.BlobStore.InMemory)
	if err != nil {
		zapLogger.Fatal("Failed to open artifact blob store", zap.Error(err))
	}
	defer blobDB.Close()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zapLogger.Warn("Redis unavailable, active-model cache disabled", zap.Error(err))
			redisClient = nil
		}
	}

	var sink alerting.Sink
	if cfg.Kafka.Enabled {
		sink = alerting.NewKafkaSink(cfg.Kafka, logger.Named(zapLogger, "alerting"))
	} else {
		zapLogger.Info("Kafka disabled, drift alerts go to the log only")
		sink = alerting.NewNoopSink(logger.Named(zapLogger, "alerting"))
	}
	defer sink.Close()

	store := featurestore.NewStore(db, logger.Named(zapLogger, "featurestore"))
	reg := registry.NewRegistry(db, registry.NewBadgerBlobStore(blobDB), redisClient, logger.Named(zapLogger, "registry"))
	engine := forecast.NewEngine(db, store, reg, cfg.Forecast, logger.Named(zapLogger, "forecast"))
	monitor := drift.NewMonitor(db, sink, cfg.Drift, logger.Named(zapLogger, "drift"))
	retrainer := scheduler.New(engine, store, reg, monitor, cfg.Scheduler, logger.Named(zapLogger, "scheduler"))

	apiServer, err := api.NewServer(logger.Named(zapLogger, "api"), store, reg, engine, monitor, cfg.Server)
	if err != nil {
		zapLogger.Fatal("Failed to create API server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go retrainer.Run(ctx)

	go func() {
		if err := apiServer.Start(); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Trace provider shutdown failed", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
