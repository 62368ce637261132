package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	scanerrors "github.com/adverant/nexus/scanprocess-worker/internal/errors"
	"github.com/adverant/nexus/scanprocess-worker/internal/pipeline"
)

const (
	maxDownloadAttempts = 5
	maxBackoffFactor    = 32 // 1s doubling up to 32s
)

// loadImages resolves every source to bytes. Sources that cannot be loaded
// become failures at their request index; the rest are returned in order
// together with their request index.
func (p *ScanProcessor) loadImages(ctx context.Context, jobID string, sources []ImageSource) ([]pipeline.Input, []int, []pipeline.Failure) {
	var (
		inputs    []pipeline.Input
		origIndex []int
		failures  []pipeline.Failure
	)
	for i, src := range sources {
		data, err := p.loadImage(ctx, jobID, src)
		if err != nil {
			pe := asProcessingError(err).WithIndex(i)
			failures = append(failures, pipeline.Failure{Index: i, Code: pe.Code, Message: pe.Error()})
			p.logger.Warn("Image source failed", "job_id", jobID, "index", i, "error", err)
			continue
		}
		inputs = append(inputs, pipeline.Input{Data: data, Options: src.Options})
		origIndex = append(origIndex, i)
	}
	return inputs, origIndex, failures
}

// loadImage loads one image from its buffer or URL.
func (p *ScanProcessor) loadImage(ctx context.Context, jobID string, src ImageSource) ([]byte, error) {
	if len(src.Buffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(src.Buffer)) > p.config.MaxFileSize {
			return nil, scanerrors.NewInvalidOptionsError(fmt.Sprintf("image size exceeds maximum: %d > %d bytes", len(src.Buffer), p.config.MaxFileSize))
		}
		return src.Buffer, nil
	}

	if src.URL != "" {
		data, err := p.downloadFileFromURL(ctx, jobID, src.URL, src.FileSize)
		if err != nil {
			return nil, scanerrors.NewDownloadFailedError(jobID, src.URL, err)
		}
		return data, nil
	}

	return nil, scanerrors.NewInvalidOptionsError("no image source provided (buffer or URL)")
}

// downloadFileFromURL downloads a file with exponential backoff between
// attempts. Bodies larger than MaxFileSize are rejected without retrying.
func (p *ScanProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadAttempts; attempt++ {
		if attempt > 1 {
			backoff := p.backoff(attempt - 1)
			p.logger.Debug("Retrying download", "job_id", jobID, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		data, retry, err := p.fetch(ctx, jobID, fileURL, expectedSize)
		if err == nil {
			p.logger.Debug("Download successful", "job_id", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		p.logger.Warn("Download attempt failed", "job_id", jobID, "attempt", attempt, "url", fileURL, "error", err)
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxDownloadAttempts, lastErr)
}

// backoff returns the wait before retry n (1-based): base, 2·base, 4·base,
// capped at 32·base.
func (p *ScanProcessor) backoff(n int) time.Duration {
	factor := 1 << (n - 1)
	if factor > maxBackoffFactor {
		factor = maxBackoffFactor
	}
	return time.Duration(factor) * p.retryBackoff
}

// fetch performs one GET. retry reports whether a later attempt may succeed.
func (p *ScanProcessor) fetch(ctx context.Context, jobID, fileURL string, expectedSize int64) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid URL: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Client errors other than throttling will not change on retry.
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "job_id", jobID, "expected", expectedSize, "got", resp.ContentLength)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, limit)
	}
	if limit <= 0 {
		limit = 1 << 30
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: more than %d bytes", limit)
	}
	if len(data) == 0 {
		return nil, true, fmt.Errorf("empty response body")
	}
	return data, false, nil
}

func asProcessingError(err error) *scanerrors.ProcessingError {
	if pe, ok := err.(*scanerrors.ProcessingError); ok {
		return pe
	}
	return scanerrors.NewInternalError(err)
}
