package store

import (
	"context"
	"sync"

	"github.com/stemforge/api/internal/model"
)

// In-memory store implementations. Used by tests and by local development
// without a Redis instance; they mirror the Redis semantics exactly,
// including the version check on conditional saves.

type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]model.Job)}
}

func (s *MemoryJobStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := job
	return &cp, nil
}

func (s *MemoryJobStore) Save(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.Version++
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryJobStore) SaveIfVersion(ctx context.Context, job *model.Job, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrVersionConflict
	}
	job.Version = expected + 1
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryJobStore) ListActive(ctx context.Context) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*model.Job
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			cp := job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

type MemoryAssetStore struct {
	mu     sync.Mutex
	assets map[string]model.Asset
}

func NewMemoryAssetStore() *MemoryAssetStore {
	return &MemoryAssetStore{assets: make(map[string]model.Asset)}
}

func (s *MemoryAssetStore) Get(ctx context.Context, assetID string) (*model.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asset, ok := s.assets[assetID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := asset
	return &cp, nil
}

func (s *MemoryAssetStore) Save(ctx context.Context, asset *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.ID] = *asset
	return nil
}

type MemoryArtifactStore struct {
	mu        sync.Mutex
	artifacts map[string]model.Artifact
	byJob     map[string][]string
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{
		artifacts: make(map[string]model.Artifact),
		byJob:     make(map[string][]string),
	}
}

func (s *MemoryArtifactStore) Get(ctx context.Context, artifactID string) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	artifact, ok := s.artifacts[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := artifact
	return &cp, nil
}

func (s *MemoryArtifactStore) Save(ctx context.Context, artifact *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.artifacts[artifact.ID]; !exists {
		s.byJob[artifact.JobID] = append(s.byJob[artifact.JobID], artifact.ID)
	}
	s.artifacts[artifact.ID] = *artifact
	return nil
}

func (s *MemoryArtifactStore) Delete(ctx context.Context, artifact *model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.artifacts, artifact.ID)
	ids := s.byJob[artifact.JobID]
	for i, id := range ids {
		if id == artifact.ID {
			s.byJob[artifact.JobID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryArtifactStore) ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var artifacts []*model.Artifact
	for _, id := range s.byJob[jobID] {
		cp := s.artifacts[id]
		artifacts = append(artifacts, &cp)
	}
	return artifacts, nil
}
