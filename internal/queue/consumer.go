/**
 * Asynq Queue Consumer for the Scan Processing Worker
 *
 * Alternative backend to the direct Redis consumer: scan jobs arrive as
 * asynq tasks of type scan:process-batch and asynq owns retries and backoff.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/processor"
	"github.com/adverant/nexus/scanprocess-worker/internal/storage"
)

// TaskTypeProcessScan is the task type of a scan batch job.
const TaskTypeProcessScan = "scan:process-batch"

// Consumer handles job consumption through asynq
type Consumer struct {
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor processor.ScanProcessorInterface
	config    *ConsumerConfig
	logger    *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL      string
	QueueName     string
	Concurrency   int
	MaxRetries    int
	Processor     processor.ScanProcessorInterface
	DefaultLayout layout.Layout
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	logger := logging.NewLogger("AsynqConsumer").With("queue", cfg.QueueName)
	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("Task processing error",
					"type", task.Type(),
					"retry", retried,
					"max_retry", maxRetry,
					"error", err)
			}),
			Logger: logger.Entry(),
		},
	)

	consumer := &Consumer{
		client:    client,
		server:    server,
		mux:       asynq.NewServeMux(),
		processor: cfg.Processor,
		config:    cfg,
		logger:    logger,
	}
	consumer.mux.HandleFunc(TaskTypeProcessScan, consumer.handleProcessScan)

	return consumer, nil
}

// retryDelay backs off 5s, 10s, 20s, 40s, then one minute.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n >= 4 {
		return time.Minute
	}
	return time.Duration(5<<uint(n)) * time.Second
}

// NewScanTask wraps a payload as an asynq task.
func NewScanTask(payload *JobPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if payload == nil || payload.JobID == "" {
		return nil, fmt.Errorf("payload with jobId is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scan payload: %w", err)
	}
	return asynq.NewTask(TaskTypeProcessScan, data, opts...), nil
}

// Enqueue submits a scan job to this consumer's queue. The job ID doubles as
// the task ID so a job cannot be queued twice.
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewScanTask(payload,
		asynq.Queue(c.config.QueueName),
		asynq.MaxRetry(c.config.MaxRetries),
		asynq.TaskID(payload.JobID))
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue scan job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// Start starts the queue consumer
func (c *Consumer) Start() error {
	c.logger.Info("Starting asynq consumer", "concurrency", c.config.Concurrency)
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping asynq consumer")
	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}

// handleProcessScan processes one scan batch task
func (c *Consumer) handleProcessScan(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal scan payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			payload.JobID = id
		}
	}
	log := c.logger.With("job_id", payload.JobID)

	req, err := payload.ToScanRequest(c.config.DefaultLayout)
	if err != nil {
		if uerr := c.processor.UpdateJobStatus(ctx, payload.JobID, storage.StatusFailed, map[string]interface{}{
			"error": err.Error(),
		}); uerr != nil {
			log.Warn("Failed to record payload rejection", "error", uerr)
		}
		return fmt.Errorf("invalid scan payload: %v: %w", err, asynq.SkipRetry)
	}

	result, err := c.processor.ProcessScan(ctx, req)
	if err != nil {
		if !retryable(err) {
			return fmt.Errorf("scan processing failed: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("scan processing failed: %w", err)
	}

	if w := task.ResultWriter(); w != nil {
		if data, err := json.Marshal(result); err == nil {
			if _, err := w.Write(data); err != nil {
				log.Warn("Failed to write task result", "error", err)
			}
		}
	}

	log.Info("Scan task completed",
		"status", result.Status,
		"outputs", len(result.OutputKeys),
		"duration_ms", result.ProcessingTimeMs)
	return nil
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
		"maxRetries":  c.config.MaxRetries,
	}
}
