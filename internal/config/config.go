// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/liveness-check/internal/flow"
	"github.com/example/liveness-check/internal/ingest"
	"github.com/example/liveness-check/internal/similarity"
)

// Config is the full service configuration.
type Config struct {
	HTTPAddr        string
	DatabaseDSN     string
	RedisAddr       string
	InferenceAddr   string
	JWTSecret       string
	JWTAudience     string
	LogLevel        string
	GalleryDir      string
	ShutdownTimeout time.Duration

	Metric            similarity.Metric
	Thresholds        similarity.Thresholds
	Flow              flow.Config
	MinFaceWidthRatio float64
}

// FromEnv reads every setting, falling back to defaults for unset
// variables. Malformed values are errors.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:   getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=liveness port=5432 sslmode=disable"),
		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		InferenceAddr: getEnv("INFERENCE_ADDR", "inference:50051"),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		GalleryDir:    os.Getenv("GALLERY_DIR"),
		Flow:          flow.DefaultConfig(),
	}

	var err error
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.Metric, err = similarity.ParseMetric(getEnv("SIMILARITY_METRIC", string(similarity.MetricL2))); err != nil {
		return Config{}, fmt.Errorf("SIMILARITY_METRIC: %w", err)
	}

	defaults := similarity.DefaultThresholds()
	if cfg.Thresholds.L2MaxDistance, err = getFloat("L2_THRESHOLD", defaults.L2MaxDistance); err != nil {
		return Config{}, err
	}
	if cfg.Thresholds.CosineMinSimilarity, err = getFloat("COSINE_THRESHOLD", defaults.CosineMinSimilarity); err != nil {
		return Config{}, err
	}

	expressions := &cfg.Flow.Expressions
	if expressions.Count, err = getInt("EXPRESSION_COUNT", expressions.Count); err != nil {
		return Config{}, err
	}
	if expressions.ConfidenceThreshold, err = getFloat("EXPRESSION_CONFIDENCE", expressions.ConfidenceThreshold); err != nil {
		return Config{}, err
	}
	expressions.Excluded = getList("EXCLUDED_EXPRESSIONS", expressions.Excluded)

	if cfg.Flow.Angles.Tolerance, err = getInt("ANGLE_TOLERANCE", cfg.Flow.Angles.Tolerance); err != nil {
		return Config{}, err
	}
	if cfg.Flow.CheckConsistency, err = getBool("CHECK_CONSISTENCY", cfg.Flow.CheckConsistency); err != nil {
		return Config{}, err
	}
	if cfg.Flow.EmbedConcurrency, err = getInt("EMBED_CONCURRENCY", cfg.Flow.EmbedConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.MinFaceWidthRatio, err = getFloat("MIN_FACE_WIDTH_RATIO", ingest.DefaultMinFaceWidthRatio); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings no component can work with.
func (c Config) Validate() error {
	switch {
	case c.Flow.Angles.Tolerance < 0:
		return fmt.Errorf("ANGLE_TOLERANCE must not be negative, got %d", c.Flow.Angles.Tolerance)
	case c.Flow.EmbedConcurrency < 1:
		return fmt.Errorf("EMBED_CONCURRENCY must be at least 1, got %d", c.Flow.EmbedConcurrency)
	case c.MinFaceWidthRatio < 0 || c.MinFaceWidthRatio >= 1:
		return fmt.Errorf("MIN_FACE_WIDTH_RATIO must be in [0, 1), got %g", c.MinFaceWidthRatio)
	case c.Flow.Expressions.ConfidenceThreshold < 0 || c.Flow.Expressions.ConfidenceThreshold >= 1:
		return fmt.Errorf("EXPRESSION_CONFIDENCE must be in [0, 1), got %g", c.Flow.Expressions.ConfidenceThreshold)
	}
	return nil
}

// Engine returns the similarity engine the settings describe.
func (c Config) Engine() similarity.Engine {
	return similarity.NewEngine(c.Metric, c.Thresholds)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getList splits a comma separated value. An explicitly empty list is
// written as "-".
func getList(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	switch value {
	case "":
		return fallback
	case "-":
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
