/**
 * Direct Redis Queue Consumer for the Scan Processing Worker
 *
 * Compatible with the TypeScript RedisQueue producers: job IDs on a LIST,
 * job bodies in the <queue>:data hash, status sets, result and error hashes,
 * and job events published on <queue>:events.
 */

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/processor"
	"github.com/adverant/nexus/scanprocess-worker/internal/storage"
)

var errNoJobs = errors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client    *redis.Client
	processor processor.ScanProcessorInterface
	config    *RedisConsumerConfig
	logger    *logging.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL      string
	QueueName     string
	Concurrency   int
	Processor     processor.ScanProcessorInterface
	DefaultLayout layout.Layout
	PollTimeout   time.Duration // BRPOP block time, default 5s
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisConsumer(client, cfg)
}

func newRedisConsumer(client *redis.Client, cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "scanprocess:jobs"
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	return &RedisConsumer{
		client:    client,
		processor: cfg.Processor,
		config:    cfg,
		logger:    logging.NewLogger("RedisConsumer").With("queue", cfg.QueueName),
		ctx:       consumerCtx,
		cancel:    cancel,
	}, nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop stops polling, waits for in-flight jobs and closes the connection.
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(); err != nil {
			if errors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Error("Worker error", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

func (c *RedisConsumer) key(suffix string) string {
	return fmt.Sprintf("%s:%s", c.config.QueueName, suffix)
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob() error {
	result, err := c.client.BRPop(c.ctx, c.config.PollTimeout, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}
	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	queueJobID := result[1]
	return c.handleJob(queueJobID)
}

// handleJob runs one job already removed from the list. Jobs run on a fresh
// context so Stop lets them finish.
func (c *RedisConsumer) handleJob(queueJobID string) error {
	ctx := context.Background()

	jobData, err := c.client.HGet(ctx, c.key("data"), queueJobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data: %w", err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.markFailed(ctx, queueJobID, queueJobID, scanerrors.NewInvalidOptionsError(err.Error()), 0)
		return fmt.Errorf("failed to unmarshal job: %w", err)
	}
	jobID := job.Payload.JobID
	if jobID == "" {
		jobID = job.ID
		job.Payload.JobID = job.ID
	}
	log := c.logger.With("job_id", jobID)

	req, err := job.Payload.ToScanRequest(c.config.DefaultLayout)
	if err != nil {
		log.Warn("Rejecting invalid job payload", "error", err)
		c.markFailed(ctx, queueJobID, jobID, err, job.Attempts)
		if uerr := c.processor.UpdateJobStatus(ctx, jobID, storage.StatusFailed, map[string]interface{}{
			"errorCode": string(scanerrors.CodeOf(err)),
			"error":     err.Error(),
		}); uerr != nil {
			log.Warn("Failed to record payload rejection", "error", uerr)
		}
		return nil
	}

	c.markProcessing(ctx, queueJobID, jobID)
	log.Info("Processing scan job", "images", len(req.Images), "mode", req.Mode)

	scan, err := c.processor.ProcessScan(ctx, req)
	if err != nil {
		job.Attempts++
		if retryable(err) && job.Attempts < job.MaxRetries {
			updated, _ := json.Marshal(job)
			pipe := c.client.TxPipeline()
			pipe.HSet(ctx, c.key("data"), queueJobID, updated)
			pipe.SRem(ctx, c.key("processing"), queueJobID)
			pipe.LPush(ctx, c.config.QueueName, queueJobID)
			if _, perr := pipe.Exec(ctx); perr != nil {
				log.Error("Failed to re-queue job", "error", perr)
			}
			log.Warn("Job failed, re-queued", "attempt", job.Attempts, "max_retries", job.MaxRetries, "error", err)
			c.publish(ctx, "job:retry", jobID, map[string]interface{}{"attempt": job.Attempts})
			return nil
		}
		log.Error("Job failed", "attempts", job.Attempts, "error", err)
		c.markFailed(ctx, queueJobID, jobID, err, job.Attempts)
		return nil
	}

	if scan.Status == storage.StatusFailed {
		log.Warn("Every image failed", "failed", scan.Batch.Failed)
		c.finish(ctx, queueJobID, jobID, "failed", "errors", scan)
		return nil
	}
	c.finish(ctx, queueJobID, jobID, "completed", "results", scan)
	log.Info("Job completed", "status", scan.Status, "outputs", len(scan.OutputKeys))
	return nil
}

func (c *RedisConsumer) markProcessing(ctx context.Context, queueJobID, jobID string) {
	if err := c.client.SAdd(ctx, c.key("processing"), queueJobID).Err(); err != nil {
		c.logger.Warn("Failed to mark job processing", "job_id", jobID, "error", err)
	}
	c.publish(ctx, "job:processing", jobID, nil)
}

func (c *RedisConsumer) markFailed(ctx context.Context, queueJobID, jobID string, err error, attempts int) {
	body := map[string]interface{}{
		"error":    err.Error(),
		"code":     string(scanerrors.CodeOf(err)),
		"attempts": attempts,
	}
	var pe *scanerrors.ProcessingError
	if errors.As(err, &pe) {
		body["details"] = pe.ToMap()
	}
	c.finish(ctx, queueJobID, jobID, "failed", "errors", body)
}

// finish moves the job from the processing set to the given status set,
// stores body in the results or errors hash and publishes the event.
func (c *RedisConsumer) finish(ctx context.Context, queueJobID, jobID, status, hash string, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		c.logger.Error("Failed to encode job outcome", "job_id", jobID, "error", err)
		data = []byte(`{}`)
	}

	pipe := c.client.TxPipeline()
	pipe.SRem(ctx, c.key("processing"), queueJobID)
	pipe.SAdd(ctx, c.key(status), queueJobID)
	pipe.HSet(ctx, c.key(hash), queueJobID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Failed to record job outcome", "job_id", jobID, "status", status, "error", err)
	}

	extra := map[string]interface{}{}
	if scan, ok := body.(*processor.ScanResult); ok {
		extra["status"] = scan.Status
		extra["outputKeys"] = scan.OutputKeys
		extra["pageCount"] = scan.Batch.PageCount
	}
	c.publish(ctx, "job:"+status, jobID, extra)
}

// publish sends a job event for WebSocket streaming.
func (c *RedisConsumer) publish(ctx context.Context, event, jobID string, extra map[string]interface{}) {
	msg := map[string]interface{}{
		"event":     event,
		"jobId":     jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		msg[k] = v
	}
	data, _ := json.Marshal(msg)
	if err := c.client.Publish(ctx, c.key("events"), data).Err(); err != nil {
		c.logger.Debug("Failed to publish job event", "job_id", jobID, "event", event, "error", err)
	}
}

// Enqueue stores a job and pushes it on the queue the way the TypeScript
// producers do. It returns the queue job ID.
func (c *RedisConsumer) Enqueue(ctx context.Context, payload *JobPayload, maxRetries int) (string, error) {
	return EnqueueRedis(ctx, c.client, c.config.QueueName, payload, maxRetries)
}

// EnqueueRedis pushes a job onto a Redis list queue.
func EnqueueRedis(ctx context.Context, client *redis.Client, queueName string, payload *JobPayload, maxRetries int) (string, error) {
	if payload == nil || payload.JobID == "" {
		return "", fmt.Errorf("payload with jobId is required")
	}
	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeProcessScan,
		Payload:    *payload,
		CreatedAt:  time.Now(),
		MaxRetries: maxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := client.TxPipeline()
	pipe.HSet(ctx, queueName+":data", job.ID, data)
	pipe.LPush(ctx, queueName, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}
