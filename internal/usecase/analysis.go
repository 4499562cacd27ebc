package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LP75/authenticite-image/internal/analyzer"
	"github.com/LP75/authenticite-image/internal/logging"
)

// Image identifies an uploaded image on disk. The use case only reads the
// file through the scripts; the caller owns its lifetime.
type Image struct {
	Path string
	// SHA256 is the hex digest of the content. Results are only cached
	// when it is set.
	SHA256 string
}

// Composite is the combined result of both analyses.
type Composite struct {
	Localization json.RawMessage `json:"localization"`
	Authenticity json.RawMessage `json:"authenticity"`
}

// Options tunes the use case.
type Options struct {
	// Parallel runs both analyses of Analyze concurrently.
	Parallel bool
	// CacheTTL is the lifetime of cached results. Zero disables caching.
	CacheTTL time.Duration
}

// AnalysisUseCase encapsulates the request flow for the three analysis operations.
type AnalysisUseCase struct {
	client   analyzer.Client
	cache    Cache
	logger   *zap.Logger
	parallel bool
	cacheTTL time.Duration
	metrics  *metricsRecorder
}

// NewAnalysisUseCase constructs a new use case instance. cache may be nil.
func NewAnalysisUseCase(client analyzer.Client, cache Cache, logger *zap.Logger, opts Options) *AnalysisUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnalysisUseCase{
		client:   client,
		cache:    cache,
		logger:   logger.Named("analysis_usecase"),
		parallel: opts.Parallel,
		cacheTTL: opts.CacheTTL,
		metrics:  newMetricsRecorder(),
	}
}

// Localize runs the localization analysis.
func (uc *AnalysisUseCase) Localize(ctx context.Context, image Image) (json.RawMessage, error) {
	return uc.run(ctx, uuid.NewString(), analyzer.Localization, image)
}

// Authenticity runs the authenticity analysis.
func (uc *AnalysisUseCase) Authenticity(ctx context.Context, image Image) (json.RawMessage, error) {
	return uc.run(ctx, uuid.NewString(), analyzer.Authenticity, image)
}

// Analyze runs both analyses against the same image. Either failure fails
// the whole operation; no partial composite is ever returned.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, image Image) (*Composite, error) {
	requestID := uuid.NewString()
	if uc.parallel {
		return uc.analyzeParallel(ctx, requestID, image)
	}

	localization, err := uc.run(ctx, requestID, analyzer.Localization, image)
	if err != nil {
		return nil, err
	}
	authenticity, err := uc.run(ctx, requestID, analyzer.Authenticity, image)
	if err != nil {
		return nil, err
	}
	return &Composite{Localization: localization, Authenticity: authenticity}, nil
}

func (uc *AnalysisUseCase) analyzeParallel(ctx context.Context, requestID string, image Image) (*Composite, error) {
	var (
		g         errgroup.Group
		composite Composite
	)
	g.Go(func() error {
		value, err := uc.run(ctx, requestID, analyzer.Localization, image)
		composite.Localization = value
		return err
	})
	g.Go(func() error {
		value, err := uc.run(ctx, requestID, analyzer.Authenticity, image)
		composite.Authenticity = value
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &composite, nil
}

func (uc *AnalysisUseCase) run(ctx context.Context, requestID string, analysis analyzer.Analysis, image Image) (json.RawMessage, error) {
	operation := "usecase." + string(analysis)
	opLogger := logging.WithOperation(uc.logger, operation, requestID)

	key := cacheKey(analysis, image.SHA256)
	if cached, ok := uc.lookup(ctx, opLogger, key); ok {
		uc.metrics.recordCacheHit(analysis)
		opLogger.Debug("serving cached result", zap.String("cache_key", key))
		return cached, nil
	}

	started := time.Now()
	value, err := uc.invoke(ctx, analysis, image.Path)
	uc.metrics.recordInvocation(analysis, err == nil, time.Since(started))
	if err != nil {
		wrapped := logging.NewOperationError(operation, requestID, err)
		opLogger.Error("analysis failed", zap.Error(wrapped))
		return nil, wrapped
	}

	uc.store(ctx, opLogger, key, value)
	return value, nil
}

func (uc *AnalysisUseCase) invoke(ctx context.Context, analysis analyzer.Analysis, path string) (json.RawMessage, error) {
	switch analysis {
	case analyzer.Localization:
		return uc.client.Localize(ctx, path)
	case analyzer.Authenticity:
		return uc.client.Authenticity(ctx, path)
	default:
		return nil, fmt.Errorf("unknown analysis %q", analysis)
	}
}

func (uc *AnalysisUseCase) lookup(ctx context.Context, opLogger *zap.Logger, key string) (json.RawMessage, bool) {
	if !uc.cachingEnabled() || key == "" {
		return nil, false
	}
	cached, err := uc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return nil, false
	}
	if !json.Valid([]byte(cached)) {
		opLogger.Warn("ignoring malformed cached result", zap.String("cache_key", key))
		return nil, false
	}
	return json.RawMessage(cached), true
}

func (uc *AnalysisUseCase) store(ctx context.Context, opLogger *zap.Logger, key string, value json.RawMessage) {
	if !uc.cachingEnabled() || key == "" {
		return
	}
	if err := uc.cache.Set(ctx, key, string(value), uc.cacheTTL); err != nil {
		opLogger.Warn("failed to cache result", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) cachingEnabled() bool {
	return uc.cache != nil && uc.cacheTTL > 0
}

func cacheKey(analysis analyzer.Analysis, digest string) string {
	if digest == "" {
		return ""
	}
	return fmt.Sprintf("analysis:%s:%s", analysis, digest)
}
