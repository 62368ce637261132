package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the scan processing worker
 *
 * Per-image errors (decode, geometry, encode) carry the index of the image that
 * produced them so a batch can report partial failures without aborting.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Per-image pipeline errors
	ErrorDecodeFailed      ErrorCode = "DECODE_FAILED"
	ErrorInvalidDimensions ErrorCode = "INVALID_DIMENSIONS"
	ErrorEncodeFailed      ErrorCode = "ENCODE_FAILED"
	ErrorInvalidOptions    ErrorCode = "INVALID_OPTIONS"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Batch errors
	ErrorEmptyBatch ErrorCode = "EMPTY_BATCH"

	// Worker errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorCancelled         ErrorCode = "CANCELLED"
	ErrorDownloadFailed    ErrorCode = "DOWNLOAD_FAILED"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
	ErrorInternal          ErrorCode = "INTERNAL"
)

// NoIndex marks an error that is not tied to a single input image.
const NoIndex = -1

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Index     int
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	prefix := string(e.Code)
	if e.Index >= 0 {
		prefix = fmt.Sprintf("%s[image %d]", e.Code, e.Index)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// WithIndex returns a copy of the error attributed to the given input index.
func (e *ProcessingError) WithIndex(index int) *ProcessingError {
	cp := *e
	cp.Index = index
	return &cp
}

// WithJob returns a copy of the error attributed to the given job.
func (e *ProcessingError) WithJob(jobID string) *ProcessingError {
	cp := *e
	cp.JobID = jobID
	return &cp
}

// Factory functions for common errors

func NewDecodeError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDecodeFailed,
		Message:   "Failed to decode image bytes",
		Index:     NoIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInvalidDimensionsError(width, height int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidDimensions,
		Message:   fmt.Sprintf("Invalid image dimensions %dx%d", width, height),
		Index:     NoIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"width":  width,
			"height": height,
		},
	}
}

func NewEncodeError(format string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEncodeFailed,
		Message:   fmt.Sprintf("Failed to encode output as %s", format),
		Index:     NoIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"format": format,
		},
		Cause: cause,
	}
}

func NewInvalidOptionsError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidOptions,
		Message:   message,
		Index:     NoIndex,
		Timestamp: time.Now(),
	}
}

func NewUnsupportedFormatError(mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		Index:     NoIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewEmptyBatchError() *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEmptyBatch,
		Message:   "Batch contains no images",
		Index:     NoIndex,
		Timestamp: time.Now(),
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Index:     NoIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewCancelledError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCancelled,
		Message:   "Processing was cancelled before this image started",
		Index:     NoIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewDownloadFailedError(jobID string, url string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDownloadFailed,
		Message:   "Failed to download source image",
		JobID:     jobID,
		Index:     NoIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"url": url,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Index:     NoIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewInternalError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInternal,
		Message:   "Unexpected failure while processing image",
		Index:     NoIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or
// ErrorInternal when there is none.
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrorInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var pe *ProcessingError
	return stderrors.As(err, &pe) && pe.Code == code
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.Index >= 0 {
		result["index"] = e.Index
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
