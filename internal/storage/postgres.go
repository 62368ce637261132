/**
 * PostgreSQL Client for the Scan Processing Worker
 *
 * Persists one row per scan job: status, counts, output references and the
 * per-image failures of the batch.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Job statuses written by the worker.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusPartial    = "partial"
	StatusFailed     = "failed"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update. Zero values leave the stored
// column unchanged, except for the error fields which are always replaced.
type JobUpdate struct {
	JobID            string
	UserID           string
	Status           string
	Mode             string
	ImageCount       int
	SuccessCount     int
	FailedCount      int
	PageCount        int
	ProcessingTimeMs int64
	OutputKeys       []string
	Failures         []map[string]interface{}
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// JobRecord is a stored job row.
type JobRecord struct {
	ID               string                   `json:"id"`
	UserID           string                   `json:"userId"`
	Status           string                   `json:"status"`
	Mode             string                   `json:"mode,omitempty"`
	ImageCount       int                      `json:"imageCount"`
	SuccessCount     int                      `json:"successCount"`
	FailedCount      int                      `json:"failedCount"`
	PageCount        int                      `json:"pageCount"`
	ProcessingTimeMs int64                    `json:"processingTimeMs,omitempty"`
	OutputKeys       []string                 `json:"outputKeys"`
	Failures         []map[string]interface{} `json:"failures,omitempty"`
	ErrorCode        string                   `json:"errorCode,omitempty"`
	ErrorMessage     string                   `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{}   `json:"metadata,omitempty"`
	CreatedAt        time.Time                `json:"createdAt"`
	UpdatedAt        time.Time                `json:"updatedAt"`
}

const schemaDDL = `
	CREATE SCHEMA IF NOT EXISTS scanprocess;
	CREATE TABLE IF NOT EXISTS scanprocess.processing_jobs (
		id                 UUID PRIMARY KEY,
		user_id            TEXT NOT NULL DEFAULT 'anonymous',
		status             TEXT NOT NULL,
		mode               TEXT,
		image_count        INTEGER NOT NULL DEFAULT 0,
		success_count      INTEGER NOT NULL DEFAULT 0,
		failed_count       INTEGER NOT NULL DEFAULT 0,
		page_count         INTEGER NOT NULL DEFAULT 0,
		processing_time_ms BIGINT,
		output_keys        TEXT[] NOT NULL DEFAULT '{}',
		failures           JSONB NOT NULL DEFAULT '[]'::jsonb,
		error_code         TEXT,
		error_message      TEXT,
		metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS processing_jobs_status_idx ON scanprocess.processing_jobs (status);
`

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the scanprocess schema and jobs table if missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// UpdateJobStatus creates or updates the job row.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update == nil || update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	var metadataJSON, failuresJSON []byte
	var err error
	if update.Metadata != nil {
		if metadataJSON, err = json.Marshal(update.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if update.Failures != nil {
		if failuresJSON, err = json.Marshal(update.Failures); err != nil {
			return fmt.Errorf("failed to marshal failures: %w", err)
		}
	}

	var outputKeys interface{}
	if update.OutputKeys != nil {
		outputKeys = pq.Array(update.OutputKeys)
	}

	// UPSERT so the worker can create the row when the API has not.
	query := `
		INSERT INTO scanprocess.processing_jobs (
			id, user_id, status, mode,
			image_count, success_count, failed_count, page_count,
			processing_time_ms, output_keys, failures,
			error_code, error_message, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'anonymous'), $3, NULLIF($4, ''),
			$5, $6, $7, $8,
			NULLIF($9, 0), COALESCE($10::text[], '{}'), COALESCE($11::jsonb, '[]'::jsonb),
			NULLIF($12, ''), NULLIF($13, ''), COALESCE($14::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			mode = COALESCE(EXCLUDED.mode, scanprocess.processing_jobs.mode),
			image_count = GREATEST(EXCLUDED.image_count, scanprocess.processing_jobs.image_count),
			success_count = CASE WHEN $6 > 0 OR $7 > 0 THEN EXCLUDED.success_count ELSE scanprocess.processing_jobs.success_count END,
			failed_count = CASE WHEN $6 > 0 OR $7 > 0 THEN EXCLUDED.failed_count ELSE scanprocess.processing_jobs.failed_count END,
			page_count = GREATEST(EXCLUDED.page_count, scanprocess.processing_jobs.page_count),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, scanprocess.processing_jobs.processing_time_ms),
			output_keys = CASE WHEN $10::text[] IS NULL THEN scanprocess.processing_jobs.output_keys ELSE EXCLUDED.output_keys END,
			failures = CASE WHEN $11::jsonb IS NULL THEN scanprocess.processing_jobs.failures ELSE EXCLUDED.failures END,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = CASE WHEN $14::jsonb IS NULL THEN scanprocess.processing_jobs.metadata
				ELSE scanprocess.processing_jobs.metadata || EXCLUDED.metadata END,
			user_id = CASE WHEN $2 = '' THEN scanprocess.processing_jobs.user_id ELSE EXCLUDED.user_id END,
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,               // $1 - id
		update.UserID,              // $2 - user_id
		update.Status,              // $3 - status
		update.Mode,                // $4 - mode
		update.ImageCount,          // $5 - image_count
		update.SuccessCount,        // $6 - success_count
		update.FailedCount,         // $7 - failed_count
		update.PageCount,           // $8 - page_count
		update.ProcessingTimeMs,    // $9 - processing_time_ms
		outputKeys,                 // $10 - output_keys
		nullableJSON(failuresJSON), // $11 - failures
		update.ErrorCode,           // $12 - error_code
		update.ErrorMessage,        // $13 - error_message
		nullableJSON(metadataJSON), // $14 - metadata
	).Scan(&returnedID)

	if err == sql.ErrNoRows {
		return fmt.Errorf("job not found: %s", update.JobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, status, mode,
			image_count, success_count, failed_count, page_count,
			processing_time_ms, output_keys, failures,
			error_code, error_message, metadata,
			created_at, updated_at
		FROM scanprocess.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		rec                           JobRecord
		mode, errorCode, errorMessage sql.NullString
		processingTimeMs              sql.NullInt64
		outputKeys                    pq.StringArray
		failuresJSON, metadataJSON    []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&rec.ID, &rec.UserID, &rec.Status, &mode,
		&rec.ImageCount, &rec.SuccessCount, &rec.FailedCount, &rec.PageCount,
		&processingTimeMs, &outputKeys, &failuresJSON,
		&errorCode, &errorMessage, &metadataJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	rec.Mode = mode.String
	rec.ErrorCode = errorCode.String
	rec.ErrorMessage = errorMessage.String
	rec.ProcessingTimeMs = processingTimeMs.Int64
	rec.OutputKeys = []string(outputKeys)

	if len(failuresJSON) > 0 {
		if err := json.Unmarshal(failuresJSON, &rec.Failures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal failures: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &rec, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

// nullableJSON maps an absent document to SQL NULL so the upsert keeps the
// stored value.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(sanitizeJSONForPostgres(b))
}
