/**
 * Redis Output Store for the Scan Processing Worker
 *
 * Keeps encoded outputs (processed images and composited pages) in Redis for a
 * bounded time so API callers can fetch them after the job completes.
 */

package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOutputPrefix namespaces output keys.
const DefaultOutputPrefix = "scanprocess:output"

// RedisOutputStore writes encoded outputs under <prefix>:<jobID>:<n>, with a
// companion <key>:meta hash, both expiring after ttl.
type RedisOutputStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// OutputMeta describes a stored output.
type OutputMeta struct {
	ContentType string
	Kind        string
	Index       int
	Width       int
	Height      int
}

// NewRedisOutputStore wraps an existing client. The caller keeps ownership of
// the client.
func NewRedisOutputStore(client *redis.Client, prefix string, ttl time.Duration) *RedisOutputStore {
	if prefix == "" {
		prefix = DefaultOutputPrefix
	}
	return &RedisOutputStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisOutputStoreFromURL opens its own connection and verifies it.
func NewRedisOutputStoreFromURL(redisURL, prefix string, ttl time.Duration) (*RedisOutputStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisOutputStore(client, prefix, ttl)
	store.owned = true
	return store, nil
}

// Key returns the key output n of a job is stored under.
func (s *RedisOutputStore) Key(jobID string, n int) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, jobID, n)
}

// Put stores one output and returns its key.
func (s *RedisOutputStore) Put(ctx context.Context, jobID string, n int, data []byte, meta OutputMeta) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("job ID is required")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("output %d of job %s is empty", n, jobID)
	}

	key := s.Key(jobID, n)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, s.ttl)
	pipe.HSet(ctx, key+":meta", map[string]interface{}{
		"contentType": meta.ContentType,
		"kind":        meta.Kind,
		"index":       meta.Index,
		"width":       meta.Width,
		"height":      meta.Height,
		"size":        len(data),
		"storedAt":    time.Now().UnixMilli(),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, key+":meta", s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store output %s: %w", key, err)
	}
	return key, nil
}

// Get returns the encoded bytes and metadata stored under key.
func (s *RedisOutputStore) Get(ctx context.Context, key string) ([]byte, *OutputMeta, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil, fmt.Errorf("output not found: %s", key)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get output %s: %w", key, err)
	}

	fields, err := s.client.HGetAll(ctx, key+":meta").Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get output metadata %s: %w", key, err)
	}
	meta := &OutputMeta{
		ContentType: fields["contentType"],
		Kind:        fields["kind"],
	}
	meta.Index, _ = strconv.Atoi(fields["index"])
	meta.Width, _ = strconv.Atoi(fields["width"])
	meta.Height, _ = strconv.Atoi(fields["height"])
	return data, meta, nil
}

// DeleteJob removes every output of a job and returns how many keys went.
func (s *RedisOutputStore) DeleteJob(ctx context.Context, jobID string) (int, error) {
	if jobID == "" {
		return 0, fmt.Errorf("job ID is required")
	}

	var keys []string
	iter := s.client.Scan(ctx, 0, fmt.Sprintf("%s:%s:*", s.prefix, jobID), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan outputs of job %s: %w", jobID, err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete outputs of job %s: %w", jobID, err)
	}
	return int(n), nil
}

// Close closes the connection when the store opened it.
func (s *RedisOutputStore) Close() error {
	if s.owned && s.client != nil {
		return s.client.Close()
	}
	return nil
}
