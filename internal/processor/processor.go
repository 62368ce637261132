/**
 * Scan Processor for the Scan Processing Worker
 *
 * Orchestrates one scan job end to end:
 * - Loads every source image (inline buffer or URL download with retries)
 * - Runs the batch through the pixel pipeline (orientation, background
 *   cleanup, binarization, page compositing)
 * - Stores encoded outputs, indexes page fingerprints, uploads artifacts
 * - Records job status, counts and per-image failures
 */

package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/adverant/nexus/scanprocess-worker/internal/clients"
	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/layout"
	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
	"github.com/adverant/nexus/scanprocess-worker/internal/raster"
	"github.com/adverant/nexus/scanprocess-worker/internal/storage"
)

// DefaultDuplicateScore is the cosine similarity above which a stored page is
// reported as a near duplicate.
const DefaultDuplicateScore = 0.97

// ScanProcessorInterface defines the interface for scan processing
type ScanProcessorInterface interface {
	ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error
}

// JobStore persists job records.
type JobStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// OutputSink keeps encoded outputs and returns a key per output.
type OutputSink interface {
	StoreOutput(ctx context.Context, jobID string, n int, data []byte, meta storage.OutputMeta) (string, error)
}

// FingerprintIndex finds and records page fingerprints.
type FingerprintIndex interface {
	FingerprintsEnabled() bool
	RecordPageFingerprints(ctx context.Context, jobID string, prints []storage.PageFingerprint) error
	FindNearDuplicates(ctx context.Context, vector []float32, limit int, minScore float32) ([]*storage.DuplicateMatch, error)
}

// ArtifactUploader uploads outputs to permanent storage.
type ArtifactUploader interface {
	UploadOutput(ctx context.Context, out *clients.OutputUpload) (string, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Pipeline         *pipeline.Pipeline
	Jobs             JobStore
	Outputs          OutputSink
	Fingerprints     FingerprintIndex // optional
	Artifacts        ArtifactUploader // optional
	DefaultLayout    layout.Layout
	DefaultFormat    raster.Format
	MaxBatch         int
	ImageConcurrency int
	MaxFileSize      int64
	Timeout          time.Duration
	DuplicateScore   float32
	HTTPClient       *http.Client
	Logger           *logging.Logger
}

// ImageSource is one input image: inline bytes or a URL to fetch.
type ImageSource struct {
	Buffer   []byte
	URL      string
	FileSize int64
	Options  pipeline.Options
}

// ScanRequest represents a scan processing request
type ScanRequest struct {
	JobID    string
	UserID   string
	Images   []ImageSource
	Mode     pipeline.Mode
	Layout   *layout.Layout // nil uses the configured default
	Format   raster.Format  // empty uses the configured default
	Metadata map[string]interface{}
}

// ScanResult represents the processing result
type ScanResult struct {
	JobID            string                            `json:"jobId"`
	Status           string                            `json:"status"`
	Batch            *pipeline.BatchResult             `json:"result"`
	OutputKeys       []string                          `json:"outputKeys"`
	ArtifactURLs     []string                          `json:"artifactUrls,omitempty"`
	Duplicates       map[int][]*storage.DuplicateMatch `json:"duplicates,omitempty"`
	ProcessingTimeMs int64                             `json:"processingTimeMs"`
}

// ScanProcessor handles scan processing
type ScanProcessor struct {
	config     *ProcessorConfig
	pipeline   *pipeline.Pipeline
	jobs       JobStore
	outputs    OutputSink
	httpClient *http.Client
	logger     *logging.Logger

	retryBackoff time.Duration
}

// NewScanProcessor creates a new scan processor
func NewScanProcessor(cfg *ProcessorConfig) (*ScanProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Outputs == nil {
		return nil, fmt.Errorf("output sink is required")
	}
	if err := cfg.DefaultLayout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default layout: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("ScanProcessor")
	}
	if cfg.DuplicateScore <= 0 {
		cfg.DuplicateScore = DefaultDuplicateScore
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}

	if cfg.Fingerprints == nil || !cfg.Fingerprints.FingerprintsEnabled() {
		logger.Warn("Fingerprint index not configured. Near-duplicate pages will not be detected.")
	}
	if cfg.Artifacts == nil {
		logger.Warn("FileProcess API URL not configured. Outputs will expire with the Redis TTL.")
	}

	return &ScanProcessor{
		config:       cfg,
		pipeline:     cfg.Pipeline,
		jobs:         cfg.Jobs,
		outputs:      cfg.Outputs,
		httpClient:   httpClient,
		logger:       logger,
		retryBackoff: time.Second,
	}, nil
}

// ProcessScan loads, processes and stores one scan job. Per-image failures
// are part of the result; the returned error is reserved for failures of the
// job as a whole.
func (p *ScanProcessor) ProcessScan(ctx context.Context, req *ScanRequest) (*ScanResult, error) {
	start := time.Now()
	if req == nil || req.JobID == "" {
		return nil, scanerrors.NewInvalidOptionsError("job ID is required")
	}
	log := p.logger.With("job_id", req.JobID)

	if len(req.Images) == 0 {
		return nil, scanerrors.NewEmptyBatchError().WithJob(req.JobID)
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	images := req.Images
	dropped := 0
	if p.config.MaxBatch > 0 && len(images) > p.config.MaxBatch {
		dropped = len(images) - p.config.MaxBatch
		images = images[:p.config.MaxBatch]
		log.Warn("Batch truncated", "max_batch", p.config.MaxBatch, "dropped", dropped)
	}

	lay := p.config.DefaultLayout
	if req.Layout != nil {
		lay = *req.Layout
	}
	format := req.Format
	if format == "" {
		format = p.config.DefaultFormat
	}
	mode := pipeline.ParseMode(string(req.Mode))

	if err := p.jobs.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:      req.JobID,
		UserID:     req.UserID,
		Status:     storage.StatusProcessing,
		Mode:       string(mode),
		ImageCount: len(images),
		Metadata:   req.Metadata,
	}); err != nil {
		log.Warn("Failed to record processing status", "error", err)
	}

	// Step 1: load sources
	log.Info("Step 1: Loading images", "count", len(images))
	inputs, origIndex, loadFailures := p.loadImages(ctx, req.JobID, images)

	// Step 2: pixel pipeline
	log.Info("Step 2: Running pipeline", "loaded", len(inputs), "mode", mode)
	var batch *pipeline.BatchResult
	if len(inputs) > 0 {
		var err error
		batch, err = p.pipeline.RunBatch(ctx, &pipeline.BatchRequest{
			Inputs:      inputs,
			Mode:        mode,
			Layout:      lay,
			Format:      format,
			Concurrency: p.config.ImageConcurrency,
		})
		if err != nil {
			return nil, p.fail(req.JobID, start, err)
		}
		remapIndices(batch, origIndex)
	} else {
		batch = &pipeline.BatchResult{Mode: mode}
	}
	batch.Failures = append(batch.Failures, loadFailures...)
	slices.SortStableFunc(batch.Failures, func(a, b pipeline.Failure) int { return a.Index - b.Index })
	batch.Total = len(images)
	batch.Failed = len(batch.Failures)
	batch.Succeeded = batch.Total - batch.Failed
	batch.Dropped = dropped

	if err := ctx.Err(); err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, p.fail(req.JobID, start, scanerrors.NewProcessingTimeoutError(req.JobID, p.config.Timeout, err))
	}

	result := &ScanResult{JobID: req.JobID, Batch: batch}

	// Step 3: store outputs
	log.Info("Step 3: Storing outputs", "count", len(batch.Items))
	for n, item := range batch.Items {
		key, err := p.outputs.StoreOutput(ctx, req.JobID, n, item.Data, storage.OutputMeta{
			ContentType: item.Format.MimeType(),
			Kind:        item.Kind,
			Index:       outputIndex(item),
			Width:       item.Width,
			Height:      item.Height,
		})
		if err != nil {
			return nil, p.fail(req.JobID, start, scanerrors.NewStorageFailedError(req.JobID, err))
		}
		result.OutputKeys = append(result.OutputKeys, key)
	}

	// Step 4: near-duplicate lookup, then index this job's pages
	result.Duplicates = p.indexFingerprints(ctx, req.JobID, batch.Items, result.OutputKeys)

	// Step 5: permanent artifacts (non-fatal)
	result.ArtifactURLs = p.uploadArtifacts(ctx, req.JobID, batch.Items)

	result.Status = jobStatus(batch)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()

	update := &storage.JobUpdate{
		JobID:            req.JobID,
		Status:           result.Status,
		Mode:             string(batch.Mode),
		ImageCount:       batch.Total,
		SuccessCount:     batch.Succeeded,
		FailedCount:      batch.Failed,
		PageCount:        batch.PageCount,
		ProcessingTimeMs: result.ProcessingTimeMs,
		OutputKeys:       result.OutputKeys,
		Failures:         failureMaps(batch.Failures),
		Metadata: map[string]interface{}{
			"perImageCount": batch.PerImageCount,
			"dropped":       batch.Dropped,
			"artifactUrls":  result.ArtifactURLs,
		},
	}
	if result.Status == storage.StatusFailed && len(batch.Failures) > 0 {
		update.ErrorCode = string(batch.Failures[0].Code)
		update.ErrorMessage = batch.Failures[0].Message
	}
	if err := p.jobs.UpdateJobStatus(ctx, update); err != nil {
		return nil, scanerrors.NewStorageFailedError(req.JobID, err)
	}

	log.Info("Scan processing completed",
		"status", result.Status,
		"succeeded", batch.Succeeded,
		"failed", batch.Failed,
		"pages", batch.PageCount,
		"duration_ms", result.ProcessingTimeMs)
	return result, nil
}

// UpdateJobStatus records a status change with optional metadata.
func (p *ScanProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if code, ok := metadata["errorCode"].(string); ok {
			update.ErrorCode = code
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = string(scanerrors.ErrorInternal)
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.jobs.UpdateJobStatus(ctx, update)
}

// fail marks the job failed and returns err as a ProcessingError for the job.
func (p *ScanProcessor) fail(jobID string, start time.Time, err error) error {
	var pe *scanerrors.ProcessingError
	if !errors.As(err, &pe) {
		pe = scanerrors.NewInternalError(err)
	}
	pe = pe.WithJob(jobID)

	// The job context may be what expired.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if uerr := p.jobs.UpdateJobStatus(ctx, &storage.JobUpdate{
		JobID:            jobID,
		Status:           storage.StatusFailed,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		ErrorCode:        string(pe.Code),
		ErrorMessage:     pe.Error(),
	}); uerr != nil {
		p.logger.Error("Failed to record job failure", "job_id", jobID, "error", uerr)
	}
	return pe
}

func (p *ScanProcessor) indexFingerprints(ctx context.Context, jobID string, items []pipeline.Output, keys []string) map[int][]*storage.DuplicateMatch {
	idx := p.config.Fingerprints
	if idx == nil || !idx.FingerprintsEnabled() {
		return nil
	}

	var duplicates map[int][]*storage.DuplicateMatch
	var prints []storage.PageFingerprint
	for n, item := range items {
		if len(item.Fingerprint) == 0 || raster.IsBlankFingerprint(item.Fingerprint) {
			continue
		}
		matches, err := idx.FindNearDuplicates(ctx, item.Fingerprint, 3, p.config.DuplicateScore)
		if err != nil {
			p.logger.Warn("Near-duplicate lookup failed", "job_id", jobID, "output", n, "error", err)
		} else if len(matches) > 0 {
			if duplicates == nil {
				duplicates = make(map[int][]*storage.DuplicateMatch)
			}
			duplicates[n] = matches
			p.logger.Info("Near-duplicate page found", "job_id", jobID, "output", n, "match_job", matches[0].JobID, "score", matches[0].Score)
		}
		prints = append(prints, storage.PageFingerprint{
			OutputKey: keys[n],
			Kind:      item.Kind,
			Index:     outputIndex(item),
			Vector:    item.Fingerprint,
		})
	}

	if err := idx.RecordPageFingerprints(ctx, jobID, prints); err != nil {
		p.logger.Warn("Failed to index page fingerprints", "job_id", jobID, "error", err)
	}
	return duplicates
}

func (p *ScanProcessor) uploadArtifacts(ctx context.Context, jobID string, items []pipeline.Output) []string {
	if p.config.Artifacts == nil {
		return nil
	}
	var urls []string
	for _, item := range items {
		url, err := p.config.Artifacts.UploadOutput(ctx, &clients.OutputUpload{
			JobID:    jobID,
			Kind:     item.Kind,
			Index:    outputIndex(item),
			Width:    item.Width,
			Height:   item.Height,
			MimeType: item.Format.MimeType(),
			Ext:      item.Format.Extension(),
			Data:     item.Data,
		})
		if err != nil {
			p.logger.Warn("Artifact upload failed; output stays in Redis only", "job_id", jobID, "kind", item.Kind, "error", err)
			continue
		}
		urls = append(urls, url)
	}
	return urls
}

// remapIndices rewrites batch indices, which count loaded inputs only, to
// positions in the request.
func remapIndices(batch *pipeline.BatchResult, origIndex []int) {
	for i := range batch.Items {
		if batch.Items[i].Kind == pipeline.KindSingle {
			batch.Items[i].SrcIndex = origIndex[batch.Items[i].SrcIndex]
		}
	}
	for i := range batch.Placements {
		batch.Placements[i].Image = origIndex[batch.Placements[i].Image]
	}
	for i := range batch.Failures {
		batch.Failures[i].Index = origIndex[batch.Failures[i].Index]
	}
}

func outputIndex(item pipeline.Output) int {
	if item.Kind == pipeline.KindPage {
		return item.PageIndex
	}
	return item.SrcIndex
}

func jobStatus(batch *pipeline.BatchResult) string {
	switch {
	case batch.Succeeded == 0:
		return storage.StatusFailed
	case batch.Failed > 0:
		return storage.StatusPartial
	default:
		return storage.StatusCompleted
	}
}

func failureMaps(failures []pipeline.Failure) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(failures))
	for _, f := range failures {
		out = append(out, map[string]interface{}{
			"index":   f.Index,
			"code":    string(f.Code),
			"message": f.Message,
		})
	}
	return out
}
