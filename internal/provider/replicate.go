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

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
)

// ReplicateAdapter submits jobs to the hosted inference API. Unlike the
// self-hosted worker there is no retry loop: the hosted API queues
// server-side, so a failed create is surfaced to the caller directly.
type ReplicateAdapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	secret     string
	model      string
}

type replicateCreateBody struct {
	Version string         `json:"version"`
	Input   replicateInput `json:"input"`
	Webhook string         `json:"webhook"`
}

type replicateInput struct {
	Audio    string `json:"audio"`
	Tool     string `json:"tool"`
	Stems    int    `json:"stems,omitempty"`
	Language string `json:"language,omitempty"`
}

type replicateCreateResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewReplicateAdapter creates the hosted inference adapter.
func NewReplicateAdapter(cfg *config.ReplicateConfig) *ReplicateAdapter {
	return &ReplicateAdapter{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		secret:  cfg.WebhookSecret,
		model:   cfg.Model,
	}
}

func (a *ReplicateAdapter) Name() string { return model.ProviderReplicate }

func (a *ReplicateAdapter) WebhookSecret() string { return a.secret }

// Submit creates one prediction. A single request; no local retry.
func (a *ReplicateAdapter) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	if req.SourceAsset == nil || req.SourceAsset.BlobURL == "" {
		return nil, ErrMissingSourceURL
	}
	if req.Callback.Secret == "" {
		return nil, ErrMissingSecret
	}

	body := replicateCreateBody{
		Version: a.model,
		Input: replicateInput{
			Audio:    req.SourceAsset.BlobURL,
			Tool:     string(req.ToolType),
			Stems:    req.Params.StemCount,
			Language: req.Params.Language,
		},
		Webhook: req.Callback.WebhookURL,
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prediction body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/predictions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	log.Printf("[replicate] → POST /v1/predictions job=%s tool=%s", req.JobID, req.ToolType)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read prediction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("replicate error (status %d): %s", resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}

	var parsed replicateCreateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prediction response: %w", err)
	}

	return &SubmitResult{
		ExternalJobID: parsed.ID,
		Provider:      model.ProviderReplicate,
		Model:         a.model,
		Status:        normalizeReplicateStatus(parsed.Status),
		Progress:      0,
		ErrorCode:     normalizeReplicateError(parsed.Error),
	}, nil
}

// normalizeReplicateStatus maps the hosted API status vocabulary onto the
// shared job states.
func normalizeReplicateStatus(s string) model.JobStatus {
	switch s {
	case "starting", "queued":
		return model.JobStatusQueued
	case "processing":
		return model.JobStatusRunning
	case "succeeded":
		return model.JobStatusSucceeded
	case "failed", "canceled":
		return model.JobStatusFailed
	default:
		return model.JobStatusQueued
	}
}

// normalizeReplicateError collapses provider-specific error text into a
// generic code for storage.
func normalizeReplicateError(e string) string {
	if e == "" {
		return ""
	}
	return "provider_error: " + truncate(e, maxErrorBody-16)
}

// IsConfigured returns true if the adapter has valid configuration.
func (a *ReplicateAdapter) IsConfigured() bool {
	return a.apiKey != "" && a.secret != ""
}
