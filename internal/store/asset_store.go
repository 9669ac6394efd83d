package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stemforge/api/internal/model"
)

const (
	assetKeyPrefix    = "asset:"
	artifactKeyPrefix = "artifact:"
	assetRetention    = 7 * 24 * time.Hour
)

// AssetStore reads and registers session-owned input assets. The job core
// only ever reads from it.
type AssetStore interface {
	Get(ctx context.Context, assetID string) (*model.Asset, error)
	Save(ctx context.Context, asset *model.Asset) error
}

// ArtifactStore persists job output references.
type ArtifactStore interface {
	Get(ctx context.Context, artifactID string) (*model.Artifact, error)
	Save(ctx context.Context, artifact *model.Artifact) error
	// Delete removes the record and its job-index entry.
	Delete(ctx context.Context, artifact *model.Artifact) error
	ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error)
}

type RedisAssetStore struct {
	redis *redis.Client
}

func NewRedisAssetStore(redisClient *redis.Client) *RedisAssetStore {
	return &RedisAssetStore{redis: redisClient}
}

func (s *RedisAssetStore) Get(ctx context.Context, assetID string) (*model.Asset, error) {
	data, err := s.redis.Get(ctx, assetKeyPrefix+assetID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var asset model.Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal asset %s: %w", assetID, err)
	}
	return &asset, nil
}

func (s *RedisAssetStore) Save(ctx context.Context, asset *model.Asset) error {
	data, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("failed to marshal asset %s: %w", asset.ID, err)
	}
	return s.redis.Set(ctx, assetKeyPrefix+asset.ID, data, assetRetention).Err()
}

type RedisArtifactStore struct {
	redis *redis.Client
}

func NewRedisArtifactStore(redisClient *redis.Client) *RedisArtifactStore {
	return &RedisArtifactStore{redis: redisClient}
}

func (s *RedisArtifactStore) Get(ctx context.Context, artifactID string) (*model.Artifact, error) {
	data, err := s.redis.Get(ctx, artifactKeyPrefix+artifactID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var artifact model.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact %s: %w", artifactID, err)
	}
	return &artifact, nil
}

func (s *RedisArtifactStore) Save(ctx context.Context, artifact *model.Artifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact %s: %w", artifact.ID, err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, artifactKeyPrefix+artifact.ID, data, assetRetention)
	pipe.SAdd(ctx, artifactJobIndexKey(artifact.JobID), artifact.ID)
	pipe.Expire(ctx, artifactJobIndexKey(artifact.JobID), assetRetention)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisArtifactStore) Delete(ctx context.Context, artifact *model.Artifact) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, artifactKeyPrefix+artifact.ID)
	pipe.SRem(ctx, artifactJobIndexKey(artifact.JobID), artifact.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisArtifactStore) ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	ids, err := s.redis.SMembers(ctx, artifactJobIndexKey(jobID)).Result()
	if err != nil {
		return nil, err
	}

	artifacts := make([]*model.Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.Get(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func artifactJobIndexKey(jobID string) string {
	return "job:" + jobID + ":artifacts"
}
