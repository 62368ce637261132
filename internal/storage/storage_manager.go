/**
 * Storage Manager for the Scan Processing Worker
 *
 * Coordinates job records (PostgreSQL), encoded outputs (Redis) and page
 * fingerprints (Qdrant, optional).
 */

package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/scanprocess-worker/internal/logging"
)

// ManagerConfig names the backends a StorageManager connects to. An empty
// QdrantURL disables the fingerprint index.
type ManagerConfig struct {
	DatabaseURL      string
	RedisURL         string
	QdrantURL        string
	QdrantCollection string
	OutputTTL        time.Duration
}

// vectorIndex is the part of QdrantClient the manager uses.
type vectorIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error)
	DeleteJobVectors(ctx context.Context, jobID string) error
	GetCollectionInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// StorageManager coordinates PostgreSQL, Redis and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	outputs  *RedisOutputStore
	qdrant   vectorIndex
	logger   *logging.Logger
}

// PageFingerprint is one output's fingerprint vector.
type PageFingerprint struct {
	OutputKey string
	Kind      string
	Index     int
	Vector    []float32
}

// DuplicateMatch is a stored page similar to a query fingerprint.
type DuplicateMatch struct {
	PointID   string  `json:"pointId"`
	JobID     string  `json:"jobId"`
	OutputKey string  `json:"outputKey"`
	Kind      string  `json:"kind"`
	Index     int     `json:"index"`
	Score     float32 `json:"score"`
}

// NewStorageManager connects every configured backend, closing the ones
// already opened when a later one fails.
func NewStorageManager(cfg ManagerConfig) (*StorageManager, error) {
	postgres, err := NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	outputs, err := NewRedisOutputStoreFromURL(cfg.RedisURL, DefaultOutputPrefix, cfg.OutputTTL)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize output store: %w", err)
	}

	sm := &StorageManager{postgres: postgres, outputs: outputs, logger: logging.NewLogger("StorageManager")}

	if cfg.QdrantURL != "" {
		qdrant, err := NewQdrantClient(cfg.QdrantURL, cfg.QdrantCollection)
		if err != nil {
			sm.Close()
			return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
		}
		sm.qdrant = qdrant
	}

	return sm, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (*JobRecord, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// StoreOutput keeps an encoded output in Redis and returns its key.
func (sm *StorageManager) StoreOutput(ctx context.Context, jobID string, n int, data []byte, meta OutputMeta) (string, error) {
	return sm.outputs.Put(ctx, jobID, n, data, meta)
}

// FingerprintsEnabled reports whether a Qdrant index is configured.
func (sm *StorageManager) FingerprintsEnabled() bool {
	return sm.qdrant != nil
}

// RecordPageFingerprints indexes the fingerprints of one job. Without Qdrant
// it does nothing.
func (sm *StorageManager) RecordPageFingerprints(ctx context.Context, jobID string, prints []PageFingerprint) error {
	if sm.qdrant == nil || len(prints) == 0 {
		return nil
	}

	now := time.Now().Unix()
	for i, fp := range prints {
		point := &VectorPoint{
			ID:     uuid.New().String(),
			Vector: fp.Vector,
			Metadata: map[string]interface{}{
				"job_id":     jobID,
				"output_key": fp.OutputKey,
				"kind":       fp.Kind,
				"index":      fp.Index,
			},
			Timestamp: now,
		}
		if err := sm.qdrant.UpsertVector(ctx, point); err != nil {
			// Roll back what this job already indexed.
			if i > 0 {
				if derr := sm.qdrant.DeleteJobVectors(ctx, jobID); derr != nil {
					sm.log().Error("Failed to roll back fingerprints", "job_id", jobID, "indexed", i, "error", derr)
				}
			}
			return fmt.Errorf("failed to store fingerprint %d: %w", i, err)
		}
	}
	return nil
}

func (sm *StorageManager) log() *logging.Logger {
	if sm.logger == nil {
		return logging.Nop()
	}
	return sm.logger
}

// FindNearDuplicates returns stored pages whose fingerprint is at least
// minScore similar to vector.
func (sm *StorageManager) FindNearDuplicates(ctx context.Context, vector []float32, limit int, minScore float32) ([]*DuplicateMatch, error) {
	if sm.qdrant == nil {
		return nil, nil
	}

	points, err := sm.qdrant.SearchVectors(ctx, vector, limit, minScore)
	if err != nil {
		return nil, err
	}

	matches := make([]*DuplicateMatch, 0, len(points))
	for _, p := range points {
		m := &DuplicateMatch{PointID: p.ID, Score: p.Score}
		m.JobID, _ = p.Metadata["job_id"].(string)
		m.OutputKey, _ = p.Metadata["output_key"].(string)
		m.Kind, _ = p.Metadata["kind"].(string)
		if idx, ok := p.Metadata["index"].(int64); ok {
			m.Index = int(idx)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// GetStats returns statistics from every backend.
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, rdErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}
	if sm.outputs != nil {
		rdErr = sm.outputs.Close()
	}
	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}
	if rdErr != nil {
		return fmt.Errorf("failed to close Redis: %w", rdErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres strips escapes JSONB rejects: \u0000 is removed and
// other control characters become a space.
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}
