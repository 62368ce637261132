/**
 * Configuration for the Scan Processing Worker
 *
 * Loads configuration from environment variables (optionally seeded from
 * .env.scan by the entry point).
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant page fingerprint index; empty URL disables it
	QdrantURL        string
	QdrantCollection string

	// Queue configuration
	QueueBackend string
	QueueName    string

	// Service URLs
	FileProcessAPIURL string // optional artifact upload for processed outputs

	// Worker configuration
	WorkerConcurrency int
	ImageConcurrency  int
	MaxBatch          int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	OutputTTLHours    int

	// Pipeline defaults
	Page            layout.Layout
	MaxWorkingWidth int
	MaxPixels       int
	OutputFormat    raster.Format

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	format, err := raster.ParseFormat(getEnvOrDefault("OUTPUT_FORMAT", "png"))
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: OUTPUT_FORMAT: %w", err)
	}

	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		QdrantURL:         os.Getenv("QDRANT_URL"),
		QdrantCollection:  getEnvOrDefault("QDRANT_COLLECTION", "scanprocess_pages"),
		QueueBackend:      strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "scanprocess:jobs"),
		FileProcessAPIURL: os.Getenv("FILEPROCESS_API_URL"),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ImageConcurrency:  getEnvAsIntOrDefault("IMAGE_CONCURRENCY", 3),
		MaxBatch:          getEnvAsIntOrDefault("MAX_BATCH", 10),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800), // 50MB
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000), // 2 minutes
		OutputTTLHours:    getEnvAsIntOrDefault("OUTPUT_TTL_HOURS", 72),
		Page: layout.Layout{
			PageWidth:     getEnvAsIntOrDefault("PAGE_WIDTH_PX", layout.DefaultPageWidth),
			PageHeight:    getEnvAsIntOrDefault("PAGE_HEIGHT_PX", layout.DefaultPageHeight),
			Margin:        getEnvAsIntOrDefault("PAGE_MARGIN_PX", layout.DefaultMargin),
			Gap:           getEnvAsIntOrDefault("PAGE_GAP_PX", layout.DefaultGap),
			Columns:       getEnvAsIntOrDefault("PAGE_COLUMNS", layout.DefaultColumns),
			TargetWidthMM: getEnvAsFloatOrDefault("TARGET_WIDTH_MM", layout.DefaultTargetMM),
		},
		MaxWorkingWidth: getEnvAsIntOrDefault("MAX_WORKING_WIDTH", 1600),
		MaxPixels:       getEnvAsIntOrDefault("MAX_PIXELS", raster.DefaultMaxPixels),
		OutputFormat:    format,
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != QueueBackendRedis && c.QueueBackend != QueueBackendAsynq {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ImageConcurrency < 1 || c.ImageConcurrency > 32 {
		return fmt.Errorf("IMAGE_CONCURRENCY must be between 1 and 32, got %d", c.ImageConcurrency)
	}

	if c.MaxBatch < 1 || c.MaxBatch > 100 {
		return fmt.Errorf("MAX_BATCH must be between 1 and 100, got %d", c.MaxBatch)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.MaxWorkingWidth < 100 {
		return fmt.Errorf("MAX_WORKING_WIDTH must be at least 100, got %d", c.MaxWorkingWidth)
	}

	if c.MaxPixels < 1000000 || c.MaxPixels > 200000000 {
		return fmt.Errorf("MAX_PIXELS must be between 1000000 and 200000000, got %d", c.MaxPixels)
	}

	if err := c.Page.Validate(); err != nil {
		return fmt.Errorf("page layout: %w", err)
	}

	return nil
}

// Timeout returns ProcessingTimeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ProcessingTimeout) * time.Millisecond
}

// OutputTTL returns how long encoded outputs are kept in Redis.
func (c *Config) OutputTTL() time.Duration {
	return time.Duration(c.OutputTTLHours) * time.Hour
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
