package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WatchBeam/clock"

	"github.com/stemforge/api/internal/artifact"
	"github.com/stemforge/api/internal/client"
	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/provider"
	"github.com/stemforge/api/internal/recovery"
	"github.com/stemforge/api/internal/store"
	ws "github.com/stemforge/api/internal/websocket"
)

type fakeAdapter struct {
	name   string
	result *provider.SubmitResult
	err    error
	calls  int64
}

func (f *fakeAdapter) Name() string          { return f.name }
func (f *fakeAdapter) WebhookSecret() string { return "whsec" }

func (f *fakeAdapter) Submit(ctx context.Context, req *provider.SubmitRequest) (*provider.SubmitResult, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type nopStorage struct{}

func (nopStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return "https://blobs.test/" + key, nil
}
func (nopStorage) Delete(ctx context.Context, key string) error { return nil }
func (nopStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://blobs.test/signed/" + key, nil
}
func (nopStorage) GetPublicURL(key string) string { return "https://blobs.test/" + key }

type serviceEnv struct {
	svc       *JobService
	jobs      *store.MemoryJobStore
	assets    *store.MemoryAssetStore
	artifacts *store.MemoryArtifactStore
	quota     *store.MemoryQuotaLedger
	queue     *store.MemoryQueueTracker
	worker    *fakeAdapter
	clock     *clock.MockClock
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	return newServiceEnvWithStorage(t, nopStorage{})
}

func newServiceEnvWithStorage(t *testing.T, storage client.StorageClient) *serviceEnv {
	t.Helper()

	jobs := store.NewMemoryJobStore()
	assets := store.NewMemoryAssetStore()
	artifacts := store.NewMemoryArtifactStore()
	queue := store.NewMemoryQueueTracker()
	quota := store.NewMemoryQuotaLedger(config.QuotaConfig{
		DailyBytes:   500 * 1024 * 1024,
		DailyJobs:    25,
		DailySeconds: 3600,
	})

	worker := &fakeAdapter{
		name: model.ProviderWorker,
		result: &provider.SubmitResult{
			ExternalJobID: "ext-1",
			Provider:      model.ProviderWorker,
			Model:         "demucs-v4",
			Status:        model.JobStatusQueued,
		},
	}
	registry := provider.NewRegistry(worker)

	materializer := artifact.NewMaterializer(storage, artifacts,
		&config.ArtifactConfig{FetchConcurrency: 2, FetchTimeoutSec: 5})

	clk := clock.NewMockClock()
	engine := recovery.NewEngine(jobs, assets, registry, materializer, queue, config.RecoveryConfig{
		Provider:        model.ProviderWorker,
		QueuedStaleSec:  300,
		RunningStaleSec: 900,
		SplitStemsSec:   240,
		MaxAttempts:     2,
	}, "https://api.test", clk)

	hub := ws.NewHub()
	go hub.Run()

	svc := NewJobService(jobs, assets, artifacts, quota, queue, registry,
		materializer, engine, hub, model.ProviderWorker)

	return &serviceEnv{
		svc:       svc,
		jobs:      jobs,
		assets:    assets,
		artifacts: artifacts,
		quota:     quota,
		queue:     queue,
		worker:    worker,
		clock:     clk,
	}
}

func (env *serviceEnv) seedAsset(t *testing.T, sessionID string) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		ID:          "asset-1",
		SessionID:   sessionID,
		BlobURL:     "https://cdn.test/audio/track.wav",
		DurationSec: 180,
		SizeBytes:   4096,
	}
	if err := env.assets.Save(context.Background(), asset); err != nil {
		t.Fatalf("failed to seed asset: %v", err)
	}
	return asset
}

func TestCreate_SubmitsAndBumpsQuota(t *testing.T) {
	env := newServiceEnv(t)
	env.seedAsset(t, "sess-1")
	ctx := context.Background()

	resp, err := env.svc.Create(ctx, "sess-1", &model.CreateJobRequest{
		AssetID:  "asset-1",
		ToolType: model.ToolSplitStems,
		Params:   model.JobParams{StemCount: 4},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if resp.Provider != model.ProviderWorker {
		t.Errorf("expected worker provider, got %q", resp.Provider)
	}
	if resp.Status != model.JobStatusQueued {
		t.Errorf("expected queued status, got %q", resp.Status)
	}

	job, err := env.jobs.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.AttemptCount != 1 {
		t.Errorf("expected first attempt, got %d", job.AttemptCount)
	}
	if job.ExternalJobID == nil || *job.ExternalJobID != "ext-1" {
		t.Errorf("expected external id persisted, got %v", job.ExternalJobID)
	}

	decision, _ := env.quota.CanCreateJob(ctx, "sess-1", 0)
	if decision.Usage.JobsCreated != 1 {
		t.Errorf("expected job count bumped to 1, got %d", decision.Usage.JobsCreated)
	}
	if decision.Usage.SecondsUsed != 180 {
		t.Errorf("expected 180 seconds bumped, got %d", decision.Usage.SecondsUsed)
	}

	depth, _ := env.queue.Depth(ctx)
	if depth != 1 {
		t.Errorf("expected job tracked in queue, depth %d", depth)
	}
}

func TestCreate_RejectsForeignAsset(t *testing.T) {
	env := newServiceEnv(t)
	env.seedAsset(t, "sess-owner")

	_, err := env.svc.Create(context.Background(), "sess-other", &model.CreateJobRequest{
		AssetID:  "asset-1",
		ToolType: model.ToolSplitStems,
	})
	if !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestCreate_MissingAsset(t *testing.T) {
	env := newServiceEnv(t)

	_, err := env.svc.Create(context.Background(), "sess-1", &model.CreateJobRequest{
		AssetID:  "nope",
		ToolType: model.ToolSplitStems,
	})
	if !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("expected ErrAssetNotFound, got %v", err)
	}
}

func TestCreate_QuotaDenied(t *testing.T) {
	env := newServiceEnv(t)
	env.seedAsset(t, "sess-1")
	ctx := context.Background()

	_ = env.quota.Bump(ctx, "sess-1", store.Day(time.Now()), model.QuotaDeltas{Jobs: 25})

	_, err := env.svc.Create(ctx, "sess-1", &model.CreateJobRequest{
		AssetID:  "asset-1",
		ToolType: model.ToolSplitStems,
	})

	var quotaErr *QuotaError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaError, got %v", err)
	}
	if quotaErr.Decision.Reason != store.ReasonJobsExceeded {
		t.Errorf("expected jobs reason, got %q", quotaErr.Decision.Reason)
	}
}

func TestCreate_SubmitFailureIsTerminal(t *testing.T) {
	env := newServiceEnv(t)
	env.seedAsset(t, "sess-1")
	env.worker.err = errors.New("worker error (status 400): bad input")
	ctx := context.Background()

	_, err := env.svc.Create(ctx, "sess-1", &model.CreateJobRequest{
		AssetID:  "asset-1",
		ToolType: model.ToolSplitStems,
	})
	if err == nil {
		t.Fatal("expected create to surface the submit failure")
	}

	active, _ := env.jobs.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("expected no active jobs after terminal submit failure, got %d", len(active))
	}

	depth, _ := env.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected failed job untracked, depth %d", depth)
	}
}

func seedWebhookJob(t *testing.T, env *serviceEnv, status model.JobStatus) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:           "job-1",
		SessionID:    "sess-1",
		AssetID:      "asset-1",
		ToolType:     model.ToolSplitStems,
		Provider:     model.ProviderWorker,
		Status:       status,
		AttemptCount: 1,
		CreatedAt:    time.Now(),
	}
	if err := env.jobs.Save(context.Background(), job); err != nil {
		t.Fatalf("failed to seed job: %v", err)
	}
	_ = env.queue.Track(context.Background(), job.ID)
	return job
}

func TestHandleWebhook_Complete(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusRunning)
	ctx := context.Background()

	body, _ := json.Marshal(model.WebhookPayload{
		ExternalJobID: "ext-1",
		Status:        model.JobStatusSucceeded,
		Output:        map[string]any{"note": "no urls, raw fallback"},
	})
	sig := "sha256=" + SignBody(body, "whsec")

	if err := env.svc.HandleWebhook(ctx, "job-1", body, sig); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	job, _ := env.jobs.Get(ctx, "job-1")
	if job.Status != model.JobStatusSucceeded {
		t.Errorf("expected succeeded, got %q", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}
	if len(job.ArtifactIDs) != 1 {
		t.Errorf("expected 1 artifact from raw-output fallback, got %d", len(job.ArtifactIDs))
	}
	if job.FinishedAt == nil {
		t.Error("expected finished timestamp")
	}

	depth, _ := env.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected completed job untracked, depth %d", depth)
	}
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusRunning)

	body := []byte(`{"status":"succeeded"}`)
	err := env.svc.HandleWebhook(context.Background(), "job-1", body, "sha256=deadbeef")
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	job, _ := env.jobs.Get(context.Background(), "job-1")
	if job.Status != model.JobStatusRunning {
		t.Errorf("rejected webhook must not mutate the job, got %q", job.Status)
	}
}

func TestHandleWebhook_Progress(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusQueued)

	progress := 42
	body, _ := json.Marshal(model.WebhookPayload{
		Status:   model.JobStatusRunning,
		Progress: &progress,
	})
	sig := SignBody(body, "whsec")

	if err := env.svc.HandleWebhook(context.Background(), "job-1", body, sig); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	job, _ := env.jobs.Get(context.Background(), "job-1")
	if job.Status != model.JobStatusRunning {
		t.Errorf("expected running, got %q", job.Status)
	}
	if job.Progress != 42 {
		t.Errorf("expected progress 42, got %d", job.Progress)
	}
}

func TestHandleWebhook_ProgressClamped(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusQueued)
	ctx := context.Background()

	report := func(p int) {
		t.Helper()
		body, _ := json.Marshal(model.WebhookPayload{
			Status:   model.JobStatusRunning,
			Progress: &p,
		})
		if err := env.svc.HandleWebhook(ctx, "job-1", body, SignBody(body, "whsec")); err != nil {
			t.Fatalf("webhook failed: %v", err)
		}
	}
	progress := func() int {
		t.Helper()
		job, err := env.jobs.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		return job.Progress
	}

	report(-5)
	if got := progress(); got != 0 {
		t.Errorf("expected negative progress clamped to 0, got %d", got)
	}

	report(150)
	if got := progress(); got != 100 {
		t.Errorf("expected progress clamped to 100, got %d", got)
	}

	report(40)
	if got := progress(); got != 100 {
		t.Errorf("expected progress to never regress, got %d", got)
	}
}

func TestHandleWebhook_CompleteWithoutStorageFailsJob(t *testing.T) {
	env := newServiceEnvWithStorage(t, nil)
	seedWebhookJob(t, env, model.JobStatusRunning)
	ctx := context.Background()

	body, _ := json.Marshal(model.WebhookPayload{
		Status: model.JobStatusSucceeded,
		Output: map[string]any{"stem": "https://cdn.test/out.wav"},
	})

	if err := env.svc.HandleWebhook(ctx, "job-1", body, SignBody(body, "whsec")); err != nil {
		t.Fatalf("missing storage must terminate the job, not surface an error: %v", err)
	}

	job, _ := env.jobs.Get(ctx, "job-1")
	if job.Status != model.JobStatusFailed {
		t.Errorf("expected failed when storage is unconfigured, got %q", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "storage") {
		t.Errorf("expected storage error recorded, got %v", job.Error)
	}

	depth, _ := env.queue.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected job untracked, depth %d", depth)
	}
}

func TestHandleWebhook_CompleteLostRaceDiscardsArtifacts(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusRunning)
	ctx := context.Background()

	// The artifact fetch runs between the webhook's read and its terminal
	// commit; a concurrent writer bumping the version in that window makes
	// the commit lose.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cur, err := env.jobs.Get(ctx, "job-1"); err == nil {
			_ = env.jobs.Save(ctx, cur)
		}
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	body, _ := json.Marshal(model.WebhookPayload{
		Status: model.JobStatusSucceeded,
		Output: map[string]any{"stem": srv.URL + "/stem.wav"},
	})

	if err := env.svc.HandleWebhook(ctx, "job-1", body, SignBody(body, "whsec")); err != nil {
		t.Fatalf("lost race must be dropped, not surfaced: %v", err)
	}

	job, _ := env.jobs.Get(ctx, "job-1")
	if len(job.ArtifactIDs) != 0 {
		t.Errorf("lost commit must not link artifacts, got %v", job.ArtifactIDs)
	}

	listed, _ := env.artifacts.ListByJob(ctx, "job-1")
	if len(listed) != 0 {
		t.Errorf("expected staged artifacts discarded, got %d", len(listed))
	}
}

func TestHandleWebhook_Failure(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusRunning)

	reason := "GPU out of memory"
	body, _ := json.Marshal(model.WebhookPayload{
		Status: model.JobStatusFailed,
		Error:  &reason,
	})
	sig := SignBody(body, "whsec")

	if err := env.svc.HandleWebhook(context.Background(), "job-1", body, sig); err != nil {
		t.Fatalf("webhook failed: %v", err)
	}

	job, _ := env.jobs.Get(context.Background(), "job-1")
	if job.Status != model.JobStatusFailed {
		t.Errorf("expected failed, got %q", job.Status)
	}
	if job.Error == nil || *job.Error != reason {
		t.Errorf("expected backend reason persisted, got %v", job.Error)
	}
}

func TestHandleWebhook_TerminalJobIgnoresLateCallback(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusSucceeded)

	body, _ := json.Marshal(model.WebhookPayload{Status: model.JobStatusFailed})
	sig := SignBody(body, "whsec")

	if err := env.svc.HandleWebhook(context.Background(), "job-1", body, sig); err != nil {
		t.Fatalf("late callback must be acknowledged, got %v", err)
	}

	job, _ := env.jobs.Get(context.Background(), "job-1")
	if job.Status != model.JobStatusSucceeded {
		t.Errorf("terminal state must not change, got %q", job.Status)
	}
}

func TestHandleWebhook_UnknownJob(t *testing.T) {
	env := newServiceEnv(t)
	err := env.svc.HandleWebhook(context.Background(), "nope", []byte(`{}`), "sig")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStatus_RunsStalenessCheck(t *testing.T) {
	env := newServiceEnv(t)
	env.seedAsset(t, "sess-1")
	ctx := context.Background()

	job := &model.Job{
		ID:           "job-1",
		SessionID:    "sess-1",
		AssetID:      "asset-1",
		ToolType:     model.ToolSplitStems,
		Provider:     model.ProviderWorker,
		Status:       model.JobStatusQueued,
		AttemptCount: 1,
		CreatedAt:    env.clock.Now(),
	}
	_ = env.jobs.Save(ctx, job)
	env.clock.AddTime(6 * time.Minute)

	resp, err := env.svc.Status(ctx, "sess-1", "job-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}

	if resp.RecoveryState != model.RecoveryRetrying {
		t.Errorf("expected poll to trigger a retry, got state %q", resp.RecoveryState)
	}
	if resp.AttemptCount != 2 {
		t.Errorf("expected attempt 2 after on-demand recovery, got %d", resp.AttemptCount)
	}
	if !containsFlag(resp.QualityFlags, model.FlagStaleRetryTriggered) {
		t.Errorf("expected stale_retry_triggered flag, got %v", resp.QualityFlags)
	}
}

func TestStatus_ForeignJobDenied(t *testing.T) {
	env := newServiceEnv(t)
	seedWebhookJob(t, env, model.JobStatusRunning)

	if _, err := env.svc.Status(context.Background(), "sess-other", "job-1"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
