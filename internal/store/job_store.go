package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemforge/api/internal/model"
)

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
)

const (
	jobKeyPrefix = "job:"
	jobActiveSet = "jobs:active:ids"
	jobRetention = 72 * time.Hour
)

// JobStore is the durable record of job identity, status and recovery state.
// Every write is a full replace of the record; partially mutated jobs are
// never visible to readers.
type JobStore interface {
	Get(ctx context.Context, jobID string) (*model.Job, error)
	// Save replaces the record unconditionally and bumps its version.
	Save(ctx context.Context, job *model.Job) error
	// SaveIfVersion replaces the record only if the stored version still
	// equals expected. Returns ErrVersionConflict otherwise. Recovery
	// transitions commit through this so two concurrent passes cannot both
	// act on the same stale observation.
	SaveIfVersion(ctx context.Context, job *model.Job, expected int) error
	// ListActive returns all jobs not yet in a terminal state.
	ListActive(ctx context.Context) ([]*model.Job, error)
}

// RedisJobStore stores jobs as JSON blobs keyed by id, with a set of
// non-terminal ids for sweep enumeration.
type RedisJobStore struct {
	redis *redis.Client
}

func NewRedisJobStore(redisClient *redis.Client) *RedisJobStore {
	return &RedisJobStore{redis: redisClient}
}

func (s *RedisJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKeyPrefix+jobID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *RedisJobStore) Save(ctx context.Context, job *model.Job) error {
	job.Version++
	return s.write(ctx, s.redis, job)
}

func (s *RedisJobStore) SaveIfVersion(ctx context.Context, job *model.Job, expected int) error {
	key := jobKeyPrefix + job.ID

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}

		var current model.Job
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", job.ID, err)
		}
		if current.Version != expected {
			return ErrVersionConflict
		}

		job.Version = expected + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, job)
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return ErrVersionConflict
	}
	return err
}

func (s *RedisJobStore) ListActive(ctx context.Context) ([]*model.Job, error) {
	ids, err := s.redis.SMembers(ctx, jobActiveSet).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Record expired from under the index; drop the stale entry.
				s.redis.SRem(ctx, jobActiveSet, id)
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// write persists the record and keeps the active-id index in sync with the
// job's terminal state.
func (s *RedisJobStore) write(ctx context.Context, c redis.Cmdable, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	if err := c.Set(ctx, jobKeyPrefix+job.ID, data, jobRetention).Err(); err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return c.SRem(ctx, jobActiveSet, job.ID).Err()
	}
	return c.SAdd(ctx, jobActiveSet, job.ID).Err()
}
