package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"video-anonymizer/internal/api"
	"video-anonymizer/internal/codec"
	"video-anonymizer/internal/config"
	"video-anonymizer/internal/db"
	"video-anonymizer/internal/detect"
	"video-anonymizer/internal/events"
	"video-anonymizer/internal/pipeline"
	"video-anonymizer/internal/recorder"
	"video-anonymizer/internal/redact"
	"video-anonymizer/internal/repository"
	"video-anonymizer/internal/service"
	"video-anonymizer/internal/ws"
	"video-anonymizer/pkg/ffmpeg"
)

// version is stamped by the build
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting video anonymizer",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address))

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		logger.Fatal("failed to create storage directory", zap.Error(err))
	}

	ctx := context.Background()

	// Catalog: Postgres when enabled, sidecar files only otherwise.
	var (
		dbConn  *sql.DB
		catalog recorder.Catalog = recorder.NopCatalog{}
		store   api.RecordingStore
		repo    *repository.RecordingRepository
	)
	if cfg.Postgres.Enabled {
		dbConn, err = db.ConnectPostgres(ctx, db.Config{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			Schema:   cfg.Postgres.Schema,
			SSLMode:  cfg.Postgres.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer dbConn.Close()
		repo = repository.NewRecordingRepository(dbConn)
		catalog = repo
		store = repo
	} else {
		logger.Info("recording catalog disabled, sidecar files are the only index")
	}

	// Completion events: RabbitMQ when enabled.
	var emitter pipeline.Emitter = events.NopEmitter{}
	if cfg.RabbitMQ.Enabled {
		publisher, err := events.NewPublisher(events.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		}, logger.Named("events"))
		if err != nil {
			logger.Fatal("rabbitmq connection failed", zap.Error(err))
		}
		defer publisher.Close()
		emitter = publisher
	} else {
		logger.Info("completion events disabled")
	}

	detector, err := detect.NewCascadeDetector(cfg.Detector.CascadePath, cfg.Detector.Threshold)
	if err != nil {
		logger.Fatal("failed to load face detector", zap.Error(err))
	}
	pool := detect.NewPool(detector, cfg.Detector.PoolSize, cfg.Detector.QueueSize, logger.Named("detect"))
	defer pool.Close()

	method, err := redact.ParseMethod(cfg.Redaction.Method)
	if err != nil {
		logger.Fatal("bad redaction method", zap.Error(err))
	}

	recSvc := recorder.NewService(cfg.Storage.Dir, recorder.NewAVIMuxer, catalog, logger.Named("recorder"))
	if cfg.Storage.Remux {
		if err := ffmpeg.CheckInstallation(); err != nil {
			logger.Warn("remux disabled", zap.Error(err))
		} else {
			recSvc.EnableRemux(ffmpeg.NewRemuxer(logger.Named("ffmpeg")))
		}
	}

	manager := pipeline.NewManager(pipeline.Deps{
		Codec:    codec.NewAdapter(cfg.Pipeline.JPEGQuality, int(cfg.Server.MaxPayloadBytes)),
		Detector: pool,
		Redactor: redact.NewEngine(method),
		Recorder: recSvc,
		Events:   emitter,
		Logger:   logger.Named("session"),
	}, pipeline.Options{
		BufferSize:   cfg.Pipeline.BufferSize,
		IdleTimeout:  cfg.Pipeline.IdleTimeout,
		DrainTimeout: cfg.Pipeline.DrainTimeout,
		FPS:          cfg.Pipeline.FPS,
	}, logger.Named("pipeline"))

	stream := ws.NewHandler(manager, cfg.Server.MaxPayloadBytes, logger.Named("ws"))
	handler := api.NewHandler(manager.Registry(), pool, store, dbConn, version, logger.Named("api"))
	router := api.SetupRoutes(handler, stream, logger.Named("http"))
	server := api.NewHTTPServer(cfg, router)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sweeper := service.NewSweeper(cfg.Storage.Dir, cfg.Storage.SweepInterval, cfg.Storage.SweepAge, catalog, logger.Named("sweeper"))
	if repo != nil {
		sweeper.SetReconciler(repo)
	}
	go sweeper.Start(sweepCtx)

	go func() {
		logger.Info("server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting connections first, then finalize live sessions so
	// every partial recording lands on disk marked incomplete.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	manager.Shutdown(shutdownCtx)

	logger.Info("server exited gracefully")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
