package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const queueListKey = "jobs:inflight"

// QueueTracker is an approximate counter of in-flight jobs. Advisory
// telemetry only: nothing reads it for correctness decisions, which is why
// the process-local fallback is acceptable.
type QueueTracker interface {
	Track(ctx context.Context, jobID string) error
	// Untrack removes all occurrences of the id; a no-op when absent.
	Untrack(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (int, error)
}

// RedisQueueTracker backs the counter with a remote list.
type RedisQueueTracker struct {
	redis *redis.Client
}

func NewRedisQueueTracker(redisClient *redis.Client) *RedisQueueTracker {
	return &RedisQueueTracker{redis: redisClient}
}

func (t *RedisQueueTracker) Track(ctx context.Context, jobID string) error {
	return t.redis.RPush(ctx, queueListKey, jobID).Err()
}

func (t *RedisQueueTracker) Untrack(ctx context.Context, jobID string) error {
	return t.redis.LRem(ctx, queueListKey, 0, jobID).Err()
}

func (t *RedisQueueTracker) Depth(ctx context.Context) (int, error) {
	n, err := t.redis.LLen(ctx, queueListKey).Result()
	return int(n), err
}

// MemoryQueueTracker is the in-process fallback when no shared store is
// configured.
type MemoryQueueTracker struct {
	mu  sync.Mutex
	ids []string
}

func NewMemoryQueueTracker() *MemoryQueueTracker {
	return &MemoryQueueTracker{}
}

func (t *MemoryQueueTracker) Track(ctx context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, jobID)
	return nil
}

func (t *MemoryQueueTracker) Untrack(ctx context.Context, jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.ids[:0]
	for _, id := range t.ids {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	t.ids = kept
	return nil
}

func (t *MemoryQueueTracker) Depth(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids), nil
}
