package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/liveness-check/internal/auth"
	"github.com/example/liveness-check/internal/config"
	"github.com/example/liveness-check/internal/gallery"
	"github.com/example/liveness-check/internal/grpcclient"
	"github.com/example/liveness-check/internal/handlers"
	"github.com/example/liveness-check/internal/imageprocessor"
	"github.com/example/liveness-check/internal/logging"
	"github.com/example/liveness-check/internal/metrics"
	"github.com/example/liveness-check/internal/repository"
	"github.com/example/liveness-check/internal/usecase"
)

type serveFlags struct {
	addr          string
	logLevel      string
	galleryDir    string
	inferenceAddr string
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the liveness verification HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		applyServeFlags(cmd, &cfg)
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.addr, "addr", "", "HTTP listen address (env HTTP_ADDR)")
	serveCmd.Flags().StringVar(&serveOpts.logLevel, "log-level", "", "Log level (env LOG_LEVEL)")
	serveCmd.Flags().StringVar(&serveOpts.galleryDir, "gallery", "", "Directory of face images enrolled at startup (env GALLERY_DIR)")
	serveCmd.Flags().StringVar(&serveOpts.inferenceAddr, "inference", "", "Model service address (env INFERENCE_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags lets explicitly set flags win over the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTPAddr = serveOpts.addr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = serveOpts.logLevel
	}
	if flags.Changed("gallery") {
		cfg.GalleryDir = serveOpts.galleryDir
	}
	if flags.Changed("inference") {
		cfg.InferenceAddr = serveOpts.inferenceAddr
	}
}

func runServe(ctx context.Context, cfg config.Config) (err error) {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	startupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(startupCtx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// Closed by the use case once it owns them.
	var pending []io.Closer
	pending = append(pending, sqlDB)
	defer func() {
		if err != nil {
			for _, c := range pending {
				_ = c.Close()
			}
		}
	}()

	repo := repository.NewVerdictRepository(db, logger)
	if err := repo.AutoMigrate(startupCtx); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	redisClient, err := initRedis(startupCtx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}
	cache := usecase.NewRedisCache(redisClient)
	pending = append(pending, cache)

	inference, err := grpcclient.DialInference(startupCtx, cfg.InferenceAddr, logger)
	if err != nil {
		return fmt.Errorf("connect to inference service: %w", err)
	}
	pending = append(pending, inference)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	models := usecase.Collaborators{
		Detector:   imageprocessor.SerializeDetector(inference),
		Classifier: imageprocessor.SerializeClassifier(inference),
		Embedder:   imageprocessor.SerializeEmbedder(inference),
	}
	g := gallery.New(models.Embedder, cfg.Engine(), gallery.WithLogger(logger), gallery.WithMetrics(m))
	if cfg.GalleryDir != "" {
		n, err := g.LoadDir(startupCtx, cfg.GalleryDir)
		if err != nil {
			return fmt.Errorf("load gallery: %w", err)
		}
		logger.Info("gallery loaded", zap.Int("samples", n), zap.Int("identities", len(g.Identities())))
	}

	uc, err := usecase.NewLivenessUseCase(repo, cache, models, g,
		usecase.WithLogger(logger),
		usecase.WithMetrics(m),
		usecase.WithFlowConfig(cfg.Flow),
		usecase.WithSimilarity(cfg.Engine()),
		usecase.WithMinFaceWidthRatio(cfg.MinFaceWidthRatio),
		usecase.WithClosers(inference, cache, sqlDB),
	)
	if err != nil {
		return err
	}
	pending = nil
	defer func() {
		if err := uc.Close(); err != nil {
			logger.Warn("failed to release resources", zap.Error(err))
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), registry)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("liveness API listening", zap.String("addr", cfg.HTTPAddr), zap.String("metric", string(cfg.Metric)))
	return serveHTTP(ctx, server, nil, cfg.ShutdownTimeout, logger)
}

func initDatabase(ctx context.Context, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Error("database ping failed", zap.Error(err))
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
