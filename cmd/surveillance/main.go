package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/PhilippMayorov/insiderTracker/internal/alert"
	"github.com/PhilippMayorov/insiderTracker/internal/alertstream"
	"github.com/PhilippMayorov/insiderTracker/internal/config"
	cronrunner "github.com/PhilippMayorov/insiderTracker/internal/cron"
	"github.com/PhilippMayorov/insiderTracker/internal/db"
	"github.com/PhilippMayorov/insiderTracker/internal/detector"
	"github.com/PhilippMayorov/insiderTracker/internal/handler"
	"github.com/PhilippMayorov/insiderTracker/internal/labeler"
	"github.com/PhilippMayorov/insiderTracker/internal/logger"
	"github.com/PhilippMayorov/insiderTracker/internal/metrics"
	"github.com/PhilippMayorov/insiderTracker/internal/pipeline"
	chrepository "github.com/PhilippMayorov/insiderTracker/internal/repository/clickhouse"
	gormrepository "github.com/PhilippMayorov/insiderTracker/internal/repository/gorm"
	"github.com/PhilippMayorov/insiderTracker/internal/risk"
	"github.com/PhilippMayorov/insiderTracker/internal/runlock"
	"github.com/PhilippMayorov/insiderTracker/internal/trades"
)

func main() {
	cfgPath := os.Getenv("IT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("IT_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, zap.String("cmd", "surveillance"))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB, logger)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}
	store := gormrepository.New(dbConn.Gorm)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace)
	}

	locker, closeLocker := buildLocker(cfg, logger)
	defer closeLocker()

	hub := alertstream.NewHub(logger)
	publishers := alertstream.Multi{hub}
	if cfg.Kafka.Enabled {
		kp, err := alertstream.NewKafkaPublisher(cfg.Kafka)
		if err != nil {
			logger.Fatal("kafka producer init failed", zap.Error(err))
		}
		defer kp.Close()
		publishers = append(publishers, kp)
		logger.Info("kafka alert sink enabled", zap.String("topic", cfg.Kafka.Topic))
	}
	relay := alertstream.NewRelay(store, publishers, logger, m)

	detectors, err := detector.Build(cfg.Detectors.Enabled, cfg.Detectors.Params)
	if err != nil {
		logger.Fatal("detector registry failed", zap.Error(err))
	}
	policy, err := risk.PolicyFromConfig(cfg.Policy)
	if err != nil {
		logger.Fatal("invalid scoring policy", zap.Error(err))
	}
	aggregator, err := risk.NewAggregator(policy)
	if err != nil {
		logger.Fatal("invalid scoring policy", zap.Error(err))
	}
	generator, err := alert.NewGenerator(alert.ConfigFrom(cfg.Alerting), logger)
	if err != nil {
		logger.Fatal("invalid alerting config", zap.Error(err))
	}
	marketLabeler := labeler.New(logger)

	runner := &pipeline.Runner{
		Source: store,
		Repo:   store,
		Locker: locker,
		Engine: &detector.Engine{
			Detectors:      detectors,
			Workers:        cfg.Pipeline.Workers,
			Retries:        cfg.Pipeline.DetectorRetries,
			RetryBaseDelay: cfg.Pipeline.RetryBaseDelay,
			RetryMaxDelay:  cfg.Pipeline.RetryMaxDelay,
			Logger:         logger,
		},
		Aggregator: aggregator,
		Generator:  generator,
		Relay:      relay,
		Metrics:    m,
		Logger:     logger,
		Config:     pipeline.ConfigFrom(cfg, marketLabeler),
	}
	if cfg.Archive.Enabled {
		archive, err := chrepository.Open(ctx, cfg.Archive)
		if err != nil {
			logger.Warn("clickhouse archive disabled", zap.Error(err))
		} else {
			defer archive.Close()
			runner.Archive = archive
		}
	}
	logger.Info("pipeline ready",
		zap.Int("detectors", len(detectors)),
		zap.String("policy_version", aggregator.Version()),
		zap.Duration("window", cfg.Pipeline.Window),
	)

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(handler.RequireBearer(cfg.Server.APIToken))
	engine.Use(handler.AuditWrites(logger))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	healthHandler := &handler.HealthHandler{
		Ping: func(ctx context.Context) error { return db.Ping(ctx, dbConn) },
		Repo: store,
	}
	healthHandler.Register(engine)
	alertHandler := &handler.AlertHandler{Repo: store}
	alertHandler.Register(engine)
	runHandler := &handler.RunHandler{Repo: store, Trigger: runner}
	runHandler.Register(engine)
	labelHandler := &handler.LabelHandler{Labeler: marketLabeler}
	labelHandler.Register(engine)
	streamHandler := &handler.StreamHandler{Stream: hub}
	if m != nil {
		streamHandler.Metrics = m.Handler()
	}
	streamHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	// Events left behind by a crash between commit and publish go out first.
	go relay.Run(ctx, 30*time.Second)

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.AddWindowed(cfg.Cron.Pipeline, cfg.Pipeline.Window, func(ctx context.Context, w trades.Window) {
			_, err := runner.Run(ctx, w, "cron")
			switch {
			case err == nil:
			case errors.Is(err, runlock.ErrLocked):
				logger.Info("window already running elsewhere", zap.String("window", w.Key()))
			default:
				logger.Warn("cron pipeline run failed", zap.String("window", w.Key()), zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register pipeline failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func buildLocker(cfg config.Config, logger *zap.Logger) (runlock.Locker, func()) {
	if cfg.Lock.Backend != "redis" {
		return runlock.NewMemoryLocker(), func() {}
	}
	l := runlock.NewRedisLocker(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Lock.Prefix)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := l.Client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed, runs will fail to lock until it recovers", zap.Error(err))
	}
	return l, func() {
		if err := l.Close(); err != nil {
			logger.Warn("close redis locker", zap.Error(err))
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
