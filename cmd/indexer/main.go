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

	"activityindexer/internal/activity"
	"activityindexer/internal/auth"
	"activityindexer/internal/cache"
	"activityindexer/internal/client/feed"
	"activityindexer/internal/config"
	cronrunner "activityindexer/internal/cron"
	"activityindexer/internal/db"
	"activityindexer/internal/handler"
	"activityindexer/internal/logger"
	"activityindexer/internal/metrics"
	gormrepository "activityindexer/internal/repository/gorm"
	"activityindexer/internal/service"

	_ "activityindexer/docs"
)

func main() {
	cfgPath := os.Getenv("INDEXER_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("INDEXER_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log, cfg.App.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	feedHTTP := &http.Client{Timeout: cfg.Feed.Timeout}
	feedClient := feed.NewClient(feedHTTP, cfg.Feed.UserAgent, cfg.Feed.MaxBodyBytes)
	store := gormrepository.New(dbConn.Gorm)

	var (
		locker      cache.LockStore
		cachePinger handler.Pinger
	)
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		rs := cache.NewRedisStore(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rs.Close()
		if err := rs.Ping(context.Background()); err != nil {
			logger.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
		}
		locker = rs
		cachePinger = rs
	} else {
		locker = cache.NewMemoryStore()
	}

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New()
	}

	syncService := &service.ActivitySyncService{
		Repo:     store,
		Fetcher:  feedClient,
		Verifier: activity.SignatureVerifier{},
		Locker:   locker,
		Metrics:  recorder,
		Logger:   logger,
	}
	runOpts := service.RunOptionsFromConfig(cfg.ActivitySync)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ActivitySync.RunOnce {
		result, err := syncService.RunBatch(ctx, runOpts)
		if err != nil {
			logger.Error("activity sync failed", zap.String("run_id", result.RunID), zap.Error(err))
			stop()
			db.Close(dbConn)
			_ = logger.Sync()
			os.Exit(1)
		}
		return
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Cache: cachePinger}
	healthHandler.Register(engine)
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	if recorder != nil {
		engine.GET("/metrics", gin.WrapH(recorder.Handler()))
	}

	api := engine.Group("/api")
	if cfg.Auth.Disabled {
		logger.Warn("api auth disabled")
	} else {
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			logger.Fatal("auth.jwt_secret is required unless auth.disabled is set")
		}
		api.Use(auth.Middleware(auth.JWT{
			Secret: []byte(cfg.Auth.JWTSecret),
			Issuer: cfg.Auth.Issuer,
		}))
	}
	activityHandler := &handler.ActivityHandler{
		Sync:     syncService,
		Repo:     store,
		Defaults: runOpts,
		Logger:   logger,
	}
	activityHandler.Register(api)

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err = cronRunner.Add("activity_sync", cfg.Cron.ActivitySync, func(ctx context.Context) {
			result, err := syncService.RunBatch(ctx, runOpts)
			if errors.Is(err, service.ErrRunInProgress) {
				logger.Info("activity sync skipped, run in progress")
				return
			}
			if err != nil {
				logger.Warn("activity sync failed", zap.String("run_id", result.RunID), zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register activity sync failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}
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

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
