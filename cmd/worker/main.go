/**
 * Scan Processing Worker - Main Entry Point
 *
 * Go worker that turns photographed handwriting into clean, document-like
 * pages.
 *
 * Architecture:
 * - Redis list consumer (TypeScript RedisQueue compatible) or asynq task server
 * - Pixel pipeline: orientation, background normalization, adaptive
 *   binarization, speckle removal, grid page compositing
 * - Redis output store (TTL) and optional FileProcess artifact upload
 * - PostgreSQL job records, optional Qdrant page fingerprint index
 */

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/scanprocess-worker/internal/clients"
	"github.com/adverant/nexus/scanprocess-worker/internal/config"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/scanprocess-worker/internal/processor"
	"github.com/adverant/nexus/scanprocess-worker/internal/queue"
	"github.com/adverant/nexus/scanprocess-worker/internal/storage"
)

// consumer is implemented by both queue backends.
type consumer interface {
	Start() error
	Stop() error
}

func main() {
	envErr := godotenv.Load(".env.scan")

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger("main").Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := logging.NewLogger("main")
	if envErr != nil {
		logger.Warn(".env.scan not found, using system environment variables")
	}

	logger.Info("Scan Processing Worker starting",
		"queue_backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"image_concurrency", cfg.ImageConcurrency,
		"fingerprints", cfg.QdrantURL != "")

	storageManager, err := storage.NewStorageManager(storage.ManagerConfig{
		DatabaseURL:      cfg.DatabaseURL,
		RedisURL:         cfg.RedisURL,
		QdrantURL:        cfg.QdrantURL,
		QdrantCollection: cfg.QdrantCollection,
		OutputTTL:        cfg.OutputTTL(),
	})
	if err != nil {
		logger.Error("Failed to initialize storage manager", "error", err)
		os.Exit(1)
	}
	defer storageManager.Close()
	logger.Info("Storage manager initialized")

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.MaxWorkingWidth = cfg.MaxWorkingWidth
	pipelineCfg.MaxPixels = cfg.MaxPixels
	pipelineCfg.MaxBatch = cfg.MaxBatch
	pipelineCfg.Concurrency = cfg.ImageConcurrency

	procCfg := &processor.ProcessorConfig{
		Pipeline:         pipeline.New(pipelineCfg, logging.NewLogger("Pipeline")),
		Jobs:             storageManager,
		Outputs:          storageManager,
		Fingerprints:     storageManager,
		DefaultLayout:    cfg.Page,
		DefaultFormat:    cfg.OutputFormat,
		MaxBatch:         cfg.MaxBatch,
		ImageConcurrency: cfg.ImageConcurrency,
		MaxFileSize:      cfg.MaxFileSize,
		Timeout:          cfg.Timeout(),
	}
	if cfg.FileProcessAPIURL != "" {
		artifacts := clients.NewArtifactClient(cfg.FileProcessAPIURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := artifacts.HealthCheck(ctx); err != nil {
			logger.Warn("Artifact storage health check failed; uploads will be attempted anyway", "error", err)
		}
		cancel()
		procCfg.Artifacts = artifacts
	}

	proc, err := processor.NewScanProcessor(procCfg)
	if err != nil {
		logger.Error("Failed to initialize scan processor", "error", err)
		os.Exit(1)
	}

	var queueConsumer consumer
	switch cfg.QueueBackend {
	case config.QueueBackendAsynq:
		queueConsumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:      cfg.RedisURL,
			QueueName:     cfg.QueueName,
			Concurrency:   cfg.WorkerConcurrency,
			Processor:     proc,
			DefaultLayout: cfg.Page,
		})
	default:
		queueConsumer, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:      cfg.RedisURL,
			QueueName:     cfg.QueueName,
			Concurrency:   cfg.WorkerConcurrency,
			Processor:     proc,
			DefaultLayout: cfg.Page,
		})
	}
	if err != nil {
		logger.Error("Failed to initialize queue consumer", "error", err)
		os.Exit(1)
	}

	if err := queueConsumer.Start(); err != nil {
		logger.Error("Failed to start queue consumer", "error", err)
		os.Exit(1)
	}
	logger.Info("Scan Processing Worker is ready, waiting for jobs",
		"page", cfg.Page,
		"target_width_px", cfg.Page.TargetWidth(),
		"max_batch", cfg.MaxBatch,
		"timeout", cfg.Timeout())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	if err := queueConsumer.Stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}
	logger.Info("Shutdown complete")
}
