package handlers

import (
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/gallery"
	"github.com/example/liveness-check/internal/grpcclient"
	"github.com/example/liveness-check/internal/lifecycle"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/similarity"
	"github.com/example/liveness-check/internal/usecase"
)

// MaxUploadSize is the largest accepted image upload.
const MaxUploadSize = 5 << 20

// multipartOverhead is the room left for form fields and part headers
// around the image itself.
const multipartOverhead = 64 << 10

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// LivenessService is the use case surface the HTTP layer drives.
type LivenessService interface {
	CreateSession(ctx context.Context, userID, option string) (*usecase.SessionView, error)
	GetSession(userID, sessionID string) (*usecase.SessionView, error)
	SetOption(userID, sessionID, option string) (*usecase.SessionView, error)
	Reset(userID, sessionID string) (*usecase.SessionView, error)
	SubmitFrame(userID, sessionID string, img image.Image, rotation int) (bool, error)
	CloseSession(userID, sessionID string) error
	GetResult(ctx context.Context, userID, sessionID string) (*repository.VerdictLog, error)
	Enroll(ctx context.Context, name string, face image.Image) error
	MatchAgainstGallery(ctx context.Context, face image.Image) (string, error)
	Inspect(ctx context.Context, face image.Image) (*usecase.Inspection, error)
	GetVerdictStats(ctx context.Context) (*usecase.VerdictStats, error)
	Health(ctx context.Context) error
}

type optionRequest struct {
	Option string `json:"option" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything but
// /health and /metrics sits behind authMiddleware. A nil gatherer serves
// the default Prometheus registry.
func RegisterRoutes(router *gin.Engine, svc LivenessService, authMiddleware gin.HandlerFunc, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", func(c *gin.Context) {
		if err := svc.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/", authMiddleware)

	api.POST("/sessions", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req optionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "option is required"})
			return
		}
		view, err := svc.CreateSession(c.Request.Context(), userID, req.Option)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, view)
	})

	api.GET("/sessions/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		view, err := svc.GetSession(userID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.PUT("/sessions/:id/option", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req optionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "option is required"})
			return
		}
		view, err := svc.SetOption(userID, c.Param("id"), req.Option)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.POST("/sessions/:id/reset", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		view, err := svc.Reset(userID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	api.POST("/sessions/:id/frames", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		img, ok := readImage(c)
		if !ok {
			return
		}
		rotation := 0
		if raw := c.PostForm("rotation"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "rotation must be an integer"})
				return
			}
			rotation = parsed
		}

		accepted, err := svc.SubmitFrame(userID, c.Param("id"), img, rotation)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
	})

	api.GET("/sessions/:id/result", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		log, err := svc.GetResult(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session_id":   log.SessionID,
			"user_id":      log.UserID,
			"option":       log.Option,
			"outcome":      log.Outcome,
			"message":      log.Message,
			"sample_count": log.SampleCount,
			"duration_ms":  log.DurationMs,
			"created_at":   log.CreatedAt,
		})
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := svc.CloseSession(userID, c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/gallery", auth.RequireScope(auth.ScopeGalleryWrite), func(c *gin.Context) {
		img, ok := readImage(c)
		if !ok {
			return
		}
		name := c.PostForm("name")
		if err := svc.Enroll(c.Request.Context(), name, img); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"name": name})
	})

	api.POST("/gallery/match", func(c *gin.Context) {
		img, ok := readImage(c)
		if !ok {
			return
		}
		identity, err := svc.MatchAgainstGallery(c.Request.Context(), img)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"identity": identity, "known": identity != similarity.Unknown})
	})

	api.POST("/gallery/inspect", func(c *gin.Context) {
		img, ok := readImage(c)
		if !ok {
			return
		}
		inspection, err := svc.Inspect(c.Request.Context(), img)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inspection)
	})

	api.GET("/stats", func(c *gin.Context) {
		stats, err := svc.GetVerdictStats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})
}

// RequestLogger logs every request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.String()))
			logger.Error("http request failed", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

// readImage decodes the "image" form file. It writes the error response
// itself and reports whether the handler may continue.
func readImage(c *gin.Context) (image.Image, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
		return nil, false
	}
	if !allowedContentType(file) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "image must be image/jpeg or image/png"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to decode image"})
		return nil, false
	}
	return img, true
}

func allowedContentType(file *multipart.FileHeader) bool {
	mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
	return err == nil && allowedImageTypes[mediaType]
}

// respondError writes the status for err. Server side failures are
// answered with a generic body; the detail is left to RequestLogger.
func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func errorStatus(err error) int {
	var remote *grpcclient.RemoteError
	switch {
	case errors.Is(err, usecase.ErrSessionNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrUnknownOption),
		errors.Is(err, usecase.ErrInvalidRotation),
		errors.Is(err, gallery.ErrEmptyName),
		errors.Is(err, gallery.ErrReservedName):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrMissingCollaborator), errors.Is(err, flow.ErrNoExpressions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrNoActiveFlow):
		return http.StatusConflict
	case errors.Is(err, usecase.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
