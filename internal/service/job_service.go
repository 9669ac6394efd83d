package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/artifact"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/provider"
	"github.com/stemforge/api/internal/recovery"
	"github.com/stemforge/api/internal/store"
	ws "github.com/stemforge/api/internal/websocket"
)

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrAssetNotFound = errors.New("asset not found")
	ErrNotOwner      = errors.New("resource belongs to another session")
)

// QuotaError carries the admission decision when a quota ceiling rejects
// the request.
type QuotaError struct {
	Decision *model.QuotaDecision
}

func (e *QuotaError) Error() string {
	return e.Decision.Reason
}

// JobService drives the job lifecycle: admission, submission, webhook
// completion and status reads.
type JobService struct {
	jobs         store.JobStore
	assets       store.AssetStore
	artifacts    store.ArtifactStore
	quota        store.QuotaLedger
	queue        store.QueueTracker
	registry     *provider.Registry
	materializer *artifact.Materializer
	engine       *recovery.Engine
	hub          *ws.Hub
	providerName string
}

func NewJobService(
	jobs store.JobStore,
	assets store.AssetStore,
	artifacts store.ArtifactStore,
	quota store.QuotaLedger,
	queue store.QueueTracker,
	registry *provider.Registry,
	materializer *artifact.Materializer,
	engine *recovery.Engine,
	hub *ws.Hub,
	providerName string,
) *JobService {
	return &JobService{
		jobs:         jobs,
		assets:       assets,
		artifacts:    artifacts,
		quota:        quota,
		queue:        queue,
		registry:     registry,
		materializer: materializer,
		engine:       engine,
		hub:          hub,
		providerName: providerName,
	}
}

// Create admits, persists and submits a new job.
func (s *JobService) Create(ctx context.Context, sessionID string, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	asset, err := s.assets.Get(ctx, req.AssetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	if asset.SessionID != sessionID {
		return nil, ErrNotOwner
	}

	decision, err := s.quota.CanCreateJob(ctx, sessionID, asset.DurationSec)
	if err != nil {
		return nil, fmt.Errorf("quota check failed: %w", err)
	}
	if !decision.Allowed {
		return nil, &QuotaError{Decision: decision}
	}

	now := time.Now()
	job := &model.Job{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		AssetID:       asset.ID,
		ToolType:      req.ToolType,
		Params:        req.Params,
		Provider:      s.providerName,
		Status:        model.JobStatusQueued,
		Progress:      0,
		RecoveryState: model.RecoveryNone,
		AttemptCount:  1,
		CreatedAt:     now,
	}

	if err := s.jobs.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	if err := s.queue.Track(ctx, job.ID); err != nil {
		log.Printf("[jobs] queue track failed for %s: %v", job.ID, err)
	}

	if err := s.submit(ctx, job, asset); err != nil {
		return nil, err
	}

	if err := s.quota.Bump(ctx, sessionID, store.Day(now), model.QuotaDeltas{
		Jobs:    1,
		Seconds: int64(asset.DurationSec),
	}); err != nil {
		log.Printf("[jobs] quota bump failed for session %s: %v", sessionID, err)
	}

	return &model.CreateJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Provider:  job.Provider,
		CreatedAt: job.CreatedAt,
	}, nil
}

// submit dispatches the job to its provider and persists the outcome. A
// submission failure terminates the job immediately.
func (s *JobService) submit(ctx context.Context, job *model.Job, asset *model.Asset) error {
	adapter, err := s.registry.Get(job.Provider)
	if err != nil {
		s.failTerminal(ctx, job, err.Error())
		return err
	}
	secret := adapter.WebhookSecret()
	if secret == "" {
		s.failTerminal(ctx, job, provider.ErrMissingSecret.Error())
		return provider.ErrMissingSecret
	}

	result, err := adapter.Submit(ctx, &provider.SubmitRequest{
		JobID:       job.ID,
		ToolType:    job.ToolType,
		Params:      job.Params,
		SourceAsset: asset,
		Callback: provider.Callback{
			WebhookURL: s.engine.CallbackURL(job.ID),
			Secret:     secret,
		},
		Dataset: provider.Dataset{
			CaptureMode:   "passive",
			PolicyVersion: "v1",
			SessionID:     job.SessionID,
		},
	})
	if err != nil {
		s.failTerminal(ctx, job, err.Error())
		return err
	}

	recovery.ApplySubmitResult(job, result)
	if err := s.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to persist submit result: %w", err)
	}
	return nil
}

// failTerminal persists an immediate terminal failure on the submission path.
func (s *JobService) failTerminal(ctx context.Context, job *model.Job, reason string) {
	now := time.Now()
	msg := recovery.Truncate(reason, 120)
	job.Status = model.JobStatusFailed
	job.Progress = 100
	job.Error = &msg
	job.FinishedAt = &now

	if err := s.jobs.Save(ctx, job); err != nil {
		log.Printf("[jobs] failed to persist terminal failure for %s: %v", job.ID, err)
	}
	if err := s.queue.Untrack(ctx, job.ID); err != nil {
		log.Printf("[jobs] queue untrack failed for %s: %v", job.ID, err)
	}
	s.hub.BroadcastError(job.ID, msg)
}

// Status reads the job and, when it is non-terminal, runs the on-demand
// staleness check first; a client poll is one of the two recovery
// triggers.
func (s *JobService) Status(ctx context.Context, sessionID, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.getOwned(ctx, sessionID, jobID)
	if err != nil {
		return nil, err
	}

	if !job.Status.IsTerminal() {
		if _, err := s.engine.CheckJob(ctx, jobID); err != nil {
			log.Printf("[jobs] on-demand recovery check failed for %s: %v", jobID, err)
		}
		job, err = s.getOwned(ctx, sessionID, jobID)
		if err != nil {
			return nil, err
		}
	}

	artifactIDs := job.ArtifactIDs
	if artifactIDs == nil {
		artifactIDs = []string{}
	}

	return &model.JobStatusResponse{
		JobID:         job.ID,
		Status:        job.Status,
		Progress:      job.Progress,
		ETASec:        job.ETASec,
		RecoveryState: job.RecoveryState,
		AttemptCount:  job.AttemptCount,
		QualityFlags:  job.QualityFlags,
		Error:         job.Error,
		ArtifactIDs:   artifactIDs,
	}, nil
}

// Artifacts lists the job's materialized outputs.
func (s *JobService) Artifacts(ctx context.Context, sessionID, jobID string) ([]*model.Artifact, error) {
	if _, err := s.getOwned(ctx, sessionID, jobID); err != nil {
		return nil, err
	}
	return s.artifacts.ListByJob(ctx, jobID)
}

// HandleWebhook processes a provider completion callback. The raw body and
// signature header must be passed exactly as received.
func (s *JobService) HandleWebhook(ctx context.Context, jobID string, rawBody []byte, signature string) error {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}

	adapter, err := s.registry.Get(job.Provider)
	if err != nil {
		return err
	}
	if !VerifySignature(rawBody, adapter.WebhookSecret(), signature) {
		return ErrBadSignature
	}

	// Terminal jobs accept no further mutation; a late or duplicate
	// callback is acknowledged and dropped.
	if job.Status.IsTerminal() {
		log.Printf("[webhook] job %s already terminal, ignoring callback", jobID)
		return nil
	}

	var payload model.WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	switch payload.Status {
	case model.JobStatusSucceeded:
		return s.completeFromWebhook(ctx, job, &payload)
	case model.JobStatusFailed:
		return s.failFromWebhook(ctx, job, &payload)
	default:
		return s.progressFromWebhook(ctx, job, &payload)
	}
}

func (s *JobService) progressFromWebhook(ctx context.Context, job *model.Job, payload *model.WebhookPayload) error {
	baseVersion := job.Version

	job.Status = model.JobStatusRunning
	if payload.Progress != nil {
		p := *payload.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		// Reported progress is clamped and never regresses.
		if p > job.Progress {
			job.Progress = p
		}
	}
	job.ETASec = payload.ETASec

	if err := s.jobs.SaveIfVersion(ctx, job, baseVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// A recovery pass moved the job concurrently; its state wins.
			return nil
		}
		return err
	}
	s.hub.BroadcastProgress(job)
	return nil
}

func (s *JobService) completeFromWebhook(ctx context.Context, job *model.Job, payload *model.WebhookPayload) error {
	baseVersion := job.Version

	artifacts, err := s.materializer.Materialize(ctx, job.ID, payload.Output)
	if err != nil {
		if errors.Is(err, artifact.ErrStorageUnconfigured) {
			return s.terminateFailed(ctx, job, baseVersion, err.Error())
		}
		return fmt.Errorf("materialization failed: %w", err)
	}

	now := time.Now()
	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.Error = nil
	job.ETASec = nil
	job.FinishedAt = &now
	for _, a := range artifacts {
		job.ArtifactIDs = append(job.ArtifactIDs, a.ID)
	}

	if err := s.jobs.SaveIfVersion(ctx, job, baseVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another writer reached terminal first; unlink what was staged
			// so no orphaned records or blobs remain.
			log.Printf("[webhook] job %s: terminal commit lost race, dropping", job.ID)
			s.materializer.Discard(ctx, artifacts)
			return nil
		}
		return err
	}

	if err := s.queue.Untrack(ctx, job.ID); err != nil {
		log.Printf("[webhook] queue untrack failed for %s: %v", job.ID, err)
	}
	s.hub.BroadcastComplete(job)
	log.Printf("[webhook] job %s succeeded with %d artifact(s)", job.ID, len(artifacts))
	return nil
}

func (s *JobService) failFromWebhook(ctx context.Context, job *model.Job, payload *model.WebhookPayload) error {
	reason := "backend reported failure"
	if payload.Error != nil {
		reason = *payload.Error
	}
	return s.terminateFailed(ctx, job, job.Version, reason)
}

// terminateFailed commits a terminal failure conditioned on baseVersion; a
// lost race leaves the winner's record in place.
func (s *JobService) terminateFailed(ctx context.Context, job *model.Job, baseVersion int, reason string) error {
	msg := recovery.Truncate(reason, 120)

	now := time.Now()
	job.Status = model.JobStatusFailed
	job.Progress = 100
	job.Error = &msg
	job.FinishedAt = &now

	if err := s.jobs.SaveIfVersion(ctx, job, baseVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil
		}
		return err
	}

	if err := s.queue.Untrack(ctx, job.ID); err != nil {
		log.Printf("[webhook] queue untrack failed for %s: %v", job.ID, err)
	}
	s.hub.BroadcastError(job.ID, msg)
	return nil
}

var ErrBadSignature = errors.New("webhook signature mismatch")

func (s *JobService) getOwned(ctx context.Context, sessionID, jobID string) (*model.Job, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.SessionID != sessionID {
		return nil, ErrNotOwner
	}
	return job, nil
}
