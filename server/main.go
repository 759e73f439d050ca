package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/securewatch/securewatch/server/config"
	"github.com/securewatch/securewatch/server/episode"
	"github.com/securewatch/securewatch/server/events"
	"github.com/securewatch/securewatch/server/handlers"
	"github.com/securewatch/securewatch/server/middleware"
	"github.com/securewatch/securewatch/server/processor"
	"github.com/securewatch/securewatch/server/scoring"
	"github.com/securewatch/securewatch/server/storage"
	"github.com/securewatch/securewatch/server/store"
	"github.com/securewatch/securewatch/server/vlm"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	pipeline    *processor.Pipeline
	machine     *episode.Machine
	resilient   *episode.ResilientMachine
	sessions    store.Store
	db          *storage.DB
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	// Load configuration
	cfg := config.LoadConfig()

	// Initialize logger
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	// Validate configuration
	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	// Set Gin mode
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.Bool("resilient_sessions", cfg.Episode.Resilient))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting requests first, then drain the pipeline behind them.
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Finalize live sessions so in-flight episodes are not lost; resilient
	// sessions stay in the store and are recovered on the next start.
	if server.machine != nil {
		server.machine.Close()
	}
	if server.resilient != nil {
		server.resilient.Stop()
	}

	if err := server.pipeline.Shutdown(); err != nil {
		logger.Error("Failed to shutdown pipeline", zap.Error(err))
	}

	if server.rateLimiter != nil {
		server.rateLimiter.Shutdown()
	}

	if server.sessions != nil {
		if err := server.sessions.Close(); err != nil {
			logger.Error("Failed to close session store", zap.Error(err))
		}
	}

	if err := server.db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := storage.NewDB(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open episode database: %w", err)
	}

	bus := events.NewBus()

	server := &Server{
		logger: logger,
		db:     db,
		config: cfg,
	}

	// Episode machine: in-process by default, store-backed when resilient
	// sessions are enabled.
	var sink processor.DetectionSink
	var reporter handlers.SessionReporter

	if cfg.Episode.Resilient {
		sessionStore := newSessionStore(cfg, logger)
		resilient := episode.NewResilientMachine(episode.ResilientConfig{
			Config:          machineConfig(cfg),
			SessionTTL:      cfg.Episode.SessionTTL,
			JanitorInterval: cfg.Episode.JanitorInterval,
		}, sessionStore, bus, logger)

		// Pick up sessions that were live when the previous process died.
		recoverCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := resilient.Recover(recoverCtx); err != nil {
			logger.Warn("Session recovery failed, starting clean", zap.Error(err))
		}
		cancel()
		resilient.Start(context.Background())

		server.resilient = resilient
		server.sessions = sessionStore
		sink = resilient
	} else {
		machine := episode.NewMachine(machineConfig(cfg), bus, logger)
		server.machine = machine
		sink = processor.LiveSink{Machine: machine}
		reporter = machine
	}

	scorer := scoring.NewScorer(scoring.Config{
		MinConfidence: cfg.Scoring.MinConfidence,
	})

	// The analyzer is optional: without it, episodes are scored and stored
	// but never sent to the model service.
	var analyzer processor.Analyzer
	if cfg.VLM.Enabled {
		analyzer = vlm.NewClient(cfg.VLM.BaseURL, logger)
	}

	server.pipeline = processor.NewPipeline(pipelineConfig(cfg), sink, scorer, db, analyzer, bus, logger)

	server.rateLimiter = middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	ingestHandler := handlers.NewIngestHandler(server.pipeline, db, reporter, logger)
	wsHandler := handlers.NewWebSocketHandler(bus, logger)

	setupRoutes(router, ingestHandler, wsHandler, server.rateLimiter)
	server.router = router

	return server, nil
}

// newSessionStore connects to Redis when configured, otherwise falls back to
// the in-memory store. The fallback keeps the janitor semantics but loses
// crash resilience, which ValidateConfig already warned about.
func newSessionStore(cfg *config.Config, logger *zap.Logger) store.Store {
	addr := cfg.RedisAddr()
	if addr == "" {
		return store.NewMemoryStore()
	}

	redisStore, err := store.NewRedisStore(addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("Failed to connect to Redis, using in-memory session store",
			zap.String("addr", addr), zap.Error(err))
		return store.NewMemoryStore()
	}
	return redisStore
}

func machineConfig(cfg *config.Config) episode.Config {
	return episode.Config{
		Cooldown:            cfg.Episode.Cooldown,
		MinDuration:         cfg.Episode.MinDuration,
		MaxFramesPerEpisode: cfg.Episode.MaxFramesPerEpisode,
		MaxIdleTime:         cfg.Episode.MaxIdleTime,
		MaxEpisodeDuration:  cfg.Episode.MaxEpisodeDuration,
	}
}

func pipelineConfig(cfg *config.Config) processor.PipelineConfig {
	pc := processor.DefaultPipelineConfig()
	if cfg.Pipeline.AllowedClasses != nil {
		pc.AllowedClasses = cfg.Pipeline.AllowedClasses
	}
	pc.QueueSize = cfg.Pipeline.QueueSize
	pc.Workers = cfg.Pipeline.Workers
	pc.AnalysisTimeout = cfg.Pipeline.AnalysisTimeout

	pc.Aggregator.GapThreshold = cfg.Episode.GapThreshold
	pc.FrameSelect.Budget = cfg.Pipeline.FrameBudget
	pc.Threats.GapThreshold = cfg.Episode.GapThreshold

	return pc
}

func setupRoutes(router *gin.Engine, ingest *handlers.IngestHandler, ws *handlers.WebSocketHandler, rateLimiter *middleware.RateLimiter) {
	// Health check (no rate limit)
	router.GET("/health", middleware.HealthCheck())

	// WebSocket event stream for dashboards
	router.GET("/ws", rateLimiter.RateLimit(), ws.HandleWebSocket)

	api := router.Group("/api/v1")
	api.Use(rateLimiter.RateLimit())
	{
		api.GET("/health", middleware.HealthCheck())

		// Detection ingest
		api.POST("/detections", ingest.PostDetection)
		api.POST("/detections/batch", ingest.PostDetectionBatch)
		api.POST("/videos", ingest.PostVideo)

		// Episode queries
		api.GET("/episodes", ingest.GetEpisodes)
		api.GET("/episodes/:id", ingest.GetEpisode)
		api.GET("/threats/top", ingest.GetTopThreats)

		// Detector fleet health
		api.POST("/detectors/:id/heartbeat", ingest.Heartbeat)
		api.GET("/stats", ingest.GetStats)
	}
}
