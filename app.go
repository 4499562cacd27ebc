package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/LP75/authenticite-image/internal/analyzer"
	"github.com/LP75/authenticite-image/internal/auth"
	"github.com/LP75/authenticite-image/internal/bridge"
	"github.com/LP75/authenticite-image/internal/config"
	"github.com/LP75/authenticite-image/internal/handlers"
	"github.com/LP75/authenticite-image/internal/upload"
	"github.com/LP75/authenticite-image/internal/usecase"
)

func newRunner(cfg config.Config, logger *zap.Logger) *bridge.Runner {
	return bridge.NewRunner(logger,
		bridge.WithIgnoredPatterns(bridge.NewPatternSet(cfg.IgnoredPatterns...)),
		bridge.WithFilterMode(cfg.FilterMode()),
		bridge.WithTimeout(cfg.ScriptTimeout),
	)
}

func newScriptClient(cfg config.Config, invoker bridge.Invoker) *analyzer.ScriptClient {
	return analyzer.NewScriptClient(invoker, analyzer.Scripts{
		Interpreter:        cfg.Interpreter,
		LocalizeScript:     cfg.LocalizeScript,
		ReferenceData:      cfg.ReferenceData,
		AuthenticityScript: cfg.AuthenticityScript,
	})
}

// newUseCase wires the analysis flow. The returned cleanup closes the Redis
// client when caching is enabled.
func newUseCase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*usecase.AnalysisUseCase, func(), error) {
	client := newScriptClient(cfg, newRunner(cfg, logger))
	opts := usecase.Options{Parallel: cfg.AnalyzeParallel}

	if !cfg.CacheEnabled() {
		return usecase.NewAnalysisUseCase(client, nil, logger, opts), func() {}, nil
	}

	redisClient, err := initRedis(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	opts.CacheTTL = cfg.CacheTTL
	cache := usecase.NewRedisCache(redisClient, cfg.CachePrefix)
	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return usecase.NewAnalysisUseCase(client, cache, logger, opts), cleanup, nil
}

func initRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("result cache enabled", zap.String("redis_addr", cfg.RedisAddr), zap.Duration("ttl", cfg.CacheTTL))
	return client, nil
}

func newRouter(cfg config.Config, svc handlers.AnalysisService, store *upload.Store, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadSize
	r.Use(gin.Recovery(), handlers.RequestLogger(logger.Named("http")))

	var authMiddleware gin.HandlerFunc
	if cfg.AuthEnabled() {
		authMiddleware = auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience)
	}
	handlers.RegisterRoutes(r, svc, store, authMiddleware, logger.Named("handlers"))

	if handlers.RegisterStatic(r, cfg.PublicDir) {
		logger.Info("serving static files", zap.String("dir", cfg.PublicDir))
	}
	return r
}
