package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
)

// Transient statuses worth another attempt. Everything else fails the
// submission immediately.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true, // 408
	http.StatusTooEarly:            true, // 425
	http.StatusTooManyRequests:     true, // 429
	http.StatusInternalServerError: true, // 500
	http.StatusBadGateway:          true, // 502
	http.StatusServiceUnavailable:  true, // 503
	http.StatusGatewayTimeout:      true, // 504
}

const maxErrorBody = 120

// WorkerAdapter submits jobs to the self-hosted GPU worker. Submissions
// are retried with exponential backoff; each attempt carries its own
// timeout so a hung connection cannot pin the caller.
type WorkerAdapter struct {
	httpClient *http.Client
	baseURL    string
	token      string
	secret     string
	model      string

	maxAttempts    int
	attemptTimeout time.Duration
	backoffBase    time.Duration
	backoffMax     time.Duration
}

type workerSubmitBody struct {
	JobID       string            `json:"jobId"`
	ToolType    model.ToolType    `json:"toolType"`
	Params      model.JobParams   `json:"params"`
	SourceAsset workerSourceAsset `json:"sourceAsset"`
	Callback    workerCallback    `json:"callback"`
	Dataset     workerDataset     `json:"dataset"`
}

type workerSourceAsset struct {
	ID          string  `json:"id"`
	BlobURL     string  `json:"blobUrl"`
	DurationSec float64 `json:"durationSec"`
}

type workerCallback struct {
	WebhookURL    string `json:"webhookUrl"`
	WebhookSecret string `json:"webhookSecret"`
}

type workerDataset struct {
	CaptureMode     string `json:"captureMode"`
	PolicyVersion   string `json:"policyVersion"`
	SourceSessionID string `json:"sourceSessionId"`
}

type workerSubmitResponse struct {
	ExternalJobID string          `json:"externalJobId"`
	Status        model.JobStatus `json:"status"`
	Model         string          `json:"model"`
	Provider      string          `json:"provider,omitempty"`
	Progress      *int            `json:"progressPct,omitempty"`
	ETASec        *int            `json:"etaSec,omitempty"`
}

// NewWorkerAdapter creates the self-hosted worker adapter.
func NewWorkerAdapter(cfg *config.WorkerConfig) *WorkerAdapter {
	return &WorkerAdapter{
		httpClient:     &http.Client{},
		baseURL:        cfg.BaseURL,
		token:          cfg.Token,
		secret:         cfg.WebhookSecret,
		model:          cfg.Model,
		maxAttempts:    cfg.MaxAttempts,
		attemptTimeout: time.Duration(cfg.TimeoutSec) * time.Second,
		backoffBase:    time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffMax:     time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
}

func (a *WorkerAdapter) Name() string { return model.ProviderWorker }

func (a *WorkerAdapter) WebhookSecret() string { return a.secret }

// Submit posts the job to the worker, retrying transient failures up to the
// configured attempt ceiling.
func (a *WorkerAdapter) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.SourceAsset == nil || req.SourceAsset.BlobURL == "" {
		return nil, ErrMissingSourceURL
	}
	if req.Callback.Secret == "" {
		return nil, ErrMissingSecret
	}

	body := workerSubmitBody{
		JobID:    req.JobID,
		ToolType: req.ToolType,
		Params:   req.Params,
		SourceAsset: workerSourceAsset{
			ID:          req.SourceAsset.ID,
			BlobURL:     req.SourceAsset.BlobURL,
			DurationSec: req.SourceAsset.DurationSec,
		},
		Callback: workerCallback{
			WebhookURL:    req.Callback.WebhookURL,
			WebhookSecret: req.Callback.Secret,
		},
		Dataset: workerDataset{
			CaptureMode:     req.Dataset.CaptureMode,
			PolicyVersion:   req.Dataset.PolicyVersion,
			SourceSessionID: req.Dataset.SessionID,
		},
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit body: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.backoffBase
	bo.Multiplier = 2
	bo.MaxInterval = a.backoffMax
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() (*SubmitResult, error) {
		attempt++
		res, err := a.attempt(ctx, bodyBytes)
		if err != nil {
			log.Printf("[worker] submit %s attempt %d/%d failed: %v", req.JobID, attempt, a.maxAttempts, err)
		}
		return res, err
	}

	result, err := backoff.RetryWithData(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(a.maxAttempts-1)), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt performs a single bounded submit call. Network-level failures and
// the transient status set are returned as retryable errors; everything
// else is permanent.
func (a *WorkerAdapter) attempt(ctx context.Context, body []byte) (*SubmitResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, a.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Connection reset/refused, aborts and attempt timeouts all land
		// here; all are transient.
		return nil, fmt.Errorf("worker submit request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("worker error (status %d): %s", resp.StatusCode, truncate(string(respBody), maxErrorBody))
		if retryableStatus[resp.StatusCode] {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	var parsed workerSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to unmarshal worker response: %w", err))
	}

	status := parsed.Status
	if status == "" {
		status = model.JobStatusQueued
	}
	progress := 0
	if parsed.Progress != nil {
		progress = *parsed.Progress
	}
	mdl := parsed.Model
	if mdl == "" {
		mdl = a.model
	}

	return &SubmitResult{
		ExternalJobID: parsed.ExternalJobID,
		Provider:      model.ProviderWorker,
		Model:         mdl,
		Status:        status,
		Progress:      progress,
		ETASec:        parsed.ETASec,
	}, nil
}

// IsConfigured returns true if the adapter has valid configuration.
func (a *WorkerAdapter) IsConfigured() bool {
	return a.baseURL != "" && a.secret != ""
}
