package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LP75/authenticite-image/internal/logging"
	"github.com/LP75/authenticite-image/internal/upload"
	"github.com/LP75/authenticite-image/internal/usecase"
)

// multipartOverhead is the slack allowed on top of the file limit for the
// multipart envelope.
const multipartOverhead = 1 << 20

// AnalysisService is the use case surface the handlers depend on.
type AnalysisService interface {
	Localize(ctx context.Context, image usecase.Image) (json.RawMessage, error)
	Authenticity(ctx context.Context, image usecase.Image) (json.RawMessage, error)
	Analyze(ctx context.Context, image usecase.Image) (*usecase.Composite, error)
	GetMetricsSummary() *usecase.MetricsSummary
}

// RegisterRoutes wires the HTTP handlers to the Gin router. authMiddleware
// guards the analysis routes and may be nil.
func RegisterRoutes(router *gin.Engine, svc AnalysisService, store *upload.Store, authMiddleware gin.HandlerFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GetMetricsSummary())
	})

	api := router.Group("/")
	if authMiddleware != nil {
		api.Use(authMiddleware)
	}

	api.POST("/localize", withImage(store, logger, "handlers.localize", func(c *gin.Context, image usecase.Image) {
		result, err := svc.Localize(c.Request.Context(), image)
		respond(c, result, err)
	}))

	api.POST("/authenticity", withImage(store, logger, "handlers.authenticity", func(c *gin.Context, image usecase.Image) {
		result, err := svc.Authenticity(c.Request.Context(), image)
		respond(c, result, err)
	}))

	api.POST("/analyze", withImage(store, logger, "handlers.analyze", func(c *gin.Context, image usecase.Image) {
		composite, err := svc.Analyze(c.Request.Context(), image)
		if err != nil {
			respond(c, nil, err)
			return
		}
		c.JSON(http.StatusOK, composite)
	}))
}

// RegisterStatic serves the files of dir for unmatched GET requests, with
// index.html at "/", and under /public. It reports false when dir does not
// exist.
func RegisterStatic(router *gin.Engine, dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}

	root := gin.Dir(dir, false)
	router.StaticFS("/public", root)

	files := http.FileServer(root)
	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		files.ServeHTTP(c.Writer, c.Request)
	})
	return true
}

// withImage stores the "image" form file for the duration of the handler and
// removes it afterwards, whatever the outcome.
func withImage(store *upload.Store, logger *zap.Logger, operation string, fn func(c *gin.Context, image usecase.Image)) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit := store.MaxSize(); limit > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)
		}

		header, err := c.FormFile("image")
		if err != nil {
			if isBodyTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": upload.ErrTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": upload.ErrFileRequired.Error()})
			return
		}

		file, err := store.Save(header)
		if err != nil {
			status, message := uploadFailure(err)
			if status == http.StatusInternalServerError {
				logger.Error("failed to store upload", zap.String("operation", operation), zap.Error(err))
			}
			c.JSON(status, gin.H{"error": message})
			return
		}
		defer func() {
			if err := file.Close(); err != nil {
				logger.Warn("failed to remove upload", zap.String("operation", operation), zap.String("path", file.Path), zap.Error(err))
			}
		}()

		logger.Debug("upload stored",
			zap.String("operation", operation),
			zap.String("filename", file.OriginalName),
			zap.String("mime", file.MIME),
			zap.Int64("size", file.Size),
		)
		fn(c, usecase.Image{Path: file.Path, SHA256: file.SHA256})
	}
}

func respond(c *gin.Context, result json.RawMessage, err error) {
	if err != nil {
		if requestID := logging.RequestIDOf(err); requestID != "" {
			c.Header("X-Request-ID", requestID)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func uploadFailure(err error) (int, string) {
	switch {
	case errors.Is(err, upload.ErrFileRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, err.Error()
	case errors.Is(err, upload.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, err.Error()
	default:
		return http.StatusInternalServerError, "failed to store image"
	}
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
