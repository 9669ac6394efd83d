package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/WatchBeam/clock"

	"github.com/stemforge/api/internal/artifact"
	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/provider"
	"github.com/stemforge/api/internal/store"
)

// Outcome describes what one recovery check did to a job.
type Outcome int

const (
	OutcomeNotStale Outcome = iota
	// OutcomeSkipped means another recovery pass committed a transition
	// between our read and our write; this pass backed off.
	OutcomeSkipped
	OutcomeRetried
	OutcomeFallback
	OutcomeFailed
)

const maxErrorLen = 120

// Engine decides retry vs. fallback vs. terminal failure for stale jobs.
// The same CheckJob function serves the scheduled bulk sweep and the
// on-demand check during a client status poll, so behavior is identical
// regardless of trigger.
type Engine struct {
	jobs         store.JobStore
	assets       store.AssetStore
	registry     *provider.Registry
	materializer *artifact.Materializer
	queue        store.QueueTracker
	cfg          config.RecoveryConfig
	publicURL    string
	clock        clock.Clock
}

func NewEngine(
	jobs store.JobStore,
	assets store.AssetStore,
	registry *provider.Registry,
	materializer *artifact.Materializer,
	queue store.QueueTracker,
	cfg config.RecoveryConfig,
	publicURL string,
	clk clock.Clock,
) *Engine {
	return &Engine{
		jobs:         jobs,
		assets:       assets,
		registry:     registry,
		materializer: materializer,
		queue:        queue,
		cfg:          cfg,
		publicURL:    publicURL,
		clock:        clk,
	}
}

// IsStale reports whether a non-terminal job has sat past its liveness
// window. The reference point is the last recovery touch, or creation if
// the job was never touched.
func (e *Engine) IsStale(job *model.Job, now time.Time) bool {
	if job.Status.IsTerminal() {
		return false
	}

	ref := job.CreatedAt
	if job.LastRecoveryAt != nil {
		ref = *job.LastRecoveryAt
	}

	var threshold time.Duration
	switch job.Status {
	case model.JobStatusQueued:
		threshold = time.Duration(e.cfg.QueuedStaleSec) * time.Second
	case model.JobStatusRunning:
		threshold = time.Duration(e.cfg.RunningStaleSec) * time.Second
		// The self-hosted worker finishes stem splits well inside the
		// general running window; use the tool-specific one.
		if job.Provider == model.ProviderWorker && job.ToolType == model.ToolSplitStems {
			threshold = time.Duration(e.cfg.SplitStemsSec) * time.Second
		}
	default:
		return false
	}

	return now.Sub(ref) >= threshold
}

// CheckJob applies the staleness predicate and, when stale, drives the job
// toward a terminal state. Always re-reads before acting so a poll racing a
// sweep observes fresh state.
func (e *Engine) CheckJob(ctx context.Context, jobID string) (Outcome, error) {
	job, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return OutcomeNotStale, err
	}

	if !e.IsStale(job, e.clock.Now()) {
		return OutcomeNotStale, nil
	}

	log.Printf("[recovery] job %s stale (status=%s attempt=%d)", job.ID, job.Status, job.AttemptCount)

	if job.AttemptCount < e.cfg.MaxAttempts {
		return e.retry(ctx, job)
	}
	if e.hasFallback(job) {
		return e.fallback(ctx, job)
	}
	return e.fail(ctx, job, job.Version, "stale after retry limit")
}

// Sweep runs the recovery check over every non-terminal job. Per-job
// failures terminate that job, never the batch.
func (e *Engine) Sweep(ctx context.Context) (*model.SweepResult, error) {
	jobs, err := e.jobs.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	result := &model.SweepResult{Scanned: len(jobs)}
	for _, job := range jobs {
		outcome, err := e.CheckJob(ctx, job.ID)
		if err != nil {
			log.Printf("[recovery] sweep: job %s check failed: %v", job.ID, err)
			continue
		}
		switch outcome {
		case OutcomeRetried:
			result.Stale++
			result.Retried++
		case OutcomeFallback:
			result.Stale++
			result.Fallback++
		case OutcomeFailed:
			result.Stale++
			result.Failed++
		}
	}

	log.Printf("[recovery] sweep done: scanned=%d stale=%d retried=%d fallback=%d failed=%d",
		result.Scanned, result.Stale, result.Retried, result.Fallback, result.Failed)
	return result, nil
}

// retry re-submits the job to its provider after committing the retry
// transition. Configuration failures (missing asset URL, missing webhook
// secret) go straight to the failure path without an attempt.
func (e *Engine) retry(ctx context.Context, job *model.Job) (Outcome, error) {
	baseVersion := job.Version

	asset, err := e.assets.Get(ctx, job.AssetID)
	if err != nil || asset.BlobURL == "" {
		return e.fail(ctx, job, baseVersion, "config: source asset has no resolved storage URL")
	}

	adapter, err := e.registry.Get(job.Provider)
	if err != nil {
		return e.fail(ctx, job, baseVersion, "config: "+err.Error())
	}
	secret := adapter.WebhookSecret()
	if secret == "" {
		return e.fail(ctx, job, baseVersion, "config: webhook secret not resolvable for provider "+job.Provider)
	}

	now := e.clock.Now()
	job.Status = model.JobStatusQueued
	job.Progress = 5
	job.RecoveryState = model.RecoveryRetrying
	job.AttemptCount++
	job.AddFlag(model.FlagStaleRetryTriggered)
	job.LastRecoveryAt = &now

	if err := e.jobs.SaveIfVersion(ctx, job, baseVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return OutcomeSkipped, nil
		}
		return OutcomeNotStale, err
	}

	if err := e.queue.Track(ctx, job.ID); err != nil {
		log.Printf("[recovery] job %s: queue track failed: %v", job.ID, err)
	}

	result, err := adapter.Submit(ctx, &provider.SubmitRequest{
		JobID:       job.ID,
		ToolType:    job.ToolType,
		Params:      job.Params,
		SourceAsset: asset,
		Callback: provider.Callback{
			WebhookURL: e.CallbackURL(job.ID),
			Secret:     secret,
		},
		Dataset: provider.Dataset{
			CaptureMode:   "passive",
			PolicyVersion: "v1",
			SessionID:     job.SessionID,
		},
	})
	if err != nil {
		// The retry claim is already committed; finalize unconditionally.
		return e.fail(ctx, job, job.Version, "resubmit failed: "+err.Error())
	}

	ApplySubmitResult(job, result)
	if err := e.jobs.SaveIfVersion(ctx, job, job.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// The original submission reached terminal while the resubmit
			// was in flight; that record stands.
			return OutcomeSkipped, nil
		}
		return OutcomeRetried, err
	}
	log.Printf("[recovery] job %s resubmitted (attempt %d, external=%s)", job.ID, job.AttemptCount, result.ExternalJobID)
	return OutcomeRetried, nil
}

// hasFallback reports whether a degraded pass-through output is defined
// for the job's provider/tool combination.
func (e *Engine) hasFallback(job *model.Job) bool {
	return job.Provider == model.ProviderWorker && job.ToolType == model.ToolSplitStems
}

// fallback synthesizes pass-through outputs from the source audio and
// terminates the job as a degraded success.
func (e *Engine) fallback(ctx context.Context, job *model.Job) (Outcome, error) {
	baseVersion := job.Version

	var source *model.Asset
	if len(job.ArtifactIDs) == 0 {
		asset, err := e.assets.Get(ctx, job.AssetID)
		if err != nil || asset.BlobURL == "" {
			return e.fail(ctx, job, baseVersion, "fallback: source asset has no resolved storage URL")
		}
		source = asset
	}

	now := e.clock.Now()
	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.RecoveryState = model.RecoveryDegradedFallback
	job.AddFlag(model.FlagFallbackPassthroughOutput)
	job.AddFlag(model.FlagStaleRecoveredWithFallback)
	job.Error = nil
	job.LastRecoveryAt = &now
	job.FinishedAt = &now

	// Commit the terminal transition first: a racing pass loses the
	// version check and cannot double-create fallback artifacts.
	if err := e.jobs.SaveIfVersion(ctx, job, baseVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return OutcomeSkipped, nil
		}
		return OutcomeNotStale, err
	}

	if source != nil {
		stems := job.Params.StemCount
		if stems != 2 && stems != 4 {
			stems = 2
		}
		artifacts, err := e.materializer.Passthrough(ctx, job.ID, source, stems)
		if err != nil {
			log.Printf("[recovery] job %s: fallback artifact creation failed: %v", job.ID, err)
		} else {
			for _, a := range artifacts {
				job.ArtifactIDs = append(job.ArtifactIDs, a.ID)
			}
			if err := e.jobs.Save(ctx, job); err != nil {
				return OutcomeFallback, err
			}
		}
	}

	if err := e.queue.Untrack(ctx, job.ID); err != nil {
		log.Printf("[recovery] job %s: queue untrack failed: %v", job.ID, err)
	}

	log.Printf("[recovery] job %s recovered with degraded fallback", job.ID)
	return OutcomeFallback, nil
}

// fail terminates the job. When expectVersion matches the stored record
// the write is conditional; a conflict means another pass won the race.
func (e *Engine) fail(ctx context.Context, job *model.Job, expectVersion int, reason string) (Outcome, error) {
	now := e.clock.Now()
	errMsg := Truncate(reason, maxErrorLen)

	job.Status = model.JobStatusFailed
	job.Progress = 100
	job.RecoveryState = model.RecoveryFailedAfterRetry
	job.AddFlag(model.FlagStaleFailedAfterRetry)
	job.Error = &errMsg
	job.LastRecoveryAt = &now
	job.FinishedAt = &now

	if err := e.jobs.SaveIfVersion(ctx, job, expectVersion); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return OutcomeSkipped, nil
		}
		return OutcomeNotStale, err
	}

	if err := e.queue.Untrack(ctx, job.ID); err != nil {
		log.Printf("[recovery] job %s: queue untrack failed: %v", job.ID, err)
	}

	log.Printf("[recovery] job %s failed: %s", job.ID, errMsg)
	return OutcomeFailed, nil
}

// CallbackURL computes the webhook endpoint providers deliver completion to.
func (e *Engine) CallbackURL(jobID string) string {
	return fmt.Sprintf("%s/webhooks/jobs/%s", e.publicURL, jobID)
}

// ApplySubmitResult maps a provider submission outcome onto the job record.
// Shared by the initial submission path and recovery resubmission so both
// persist identical shapes.
func ApplySubmitResult(job *model.Job, result *provider.SubmitResult) {
	if result.ExternalJobID != "" {
		job.ExternalJobID = &result.ExternalJobID
	}
	job.Provider = result.Provider
	job.Model = result.Model
	job.Status = result.Status
	if result.Progress > job.Progress {
		job.Progress = result.Progress
	}
	job.ETASec = result.ETASec
	if result.ErrorCode != "" {
		code := Truncate(result.ErrorCode, maxErrorLen)
		job.Error = &code
	}
}

// Truncate bounds a reason string for storage.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
