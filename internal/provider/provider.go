package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/stemforge/api/internal/model"
)

// Configuration-class failures. These are never retried: the operator has
// to fix something before a resubmission can possibly succeed.
var (
	ErrMissingSecret    = errors.New("provider: webhook secret not configured")
	ErrMissingSourceURL = errors.New("provider: source asset has no resolved blob URL")
	ErrUnknownProvider  = errors.New("provider: no adapter registered for name")
)

// SubmitRequest carries everything an adapter needs for one dispatch.
// Callers guarantee SourceAsset.BlobURL and Callback.Secret are non-empty
// before calling Submit.
type SubmitRequest struct {
	JobID       string
	ToolType    model.ToolType
	Params      model.JobParams
	SourceAsset *model.Asset
	Callback    Callback
	Dataset     Dataset
}

// Callback tells the backend where and how to deliver completion.
type Callback struct {
	WebhookURL string
	Secret     string
}

// Dataset describes data-capture policy forwarded with each submission.
type Dataset struct {
	CaptureMode   string
	PolicyVersion string
	SessionID     string
}

// SubmitResult is the normalized outcome of a submission, regardless of
// which backend handled it. The caller persists it; adapters keep no state.
type SubmitResult struct {
	ExternalJobID string
	Provider      string
	Model         string
	Status        model.JobStatus
	Progress      int
	ETASec        *int
	ErrorCode     string
}

// Adapter is the interface over external inference backends.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error)
	WebhookSecret() string
}

// Registry resolves adapters by configured provider name. Strategy lookup,
// not a class hierarchy: call sites never branch on which backend is active.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return a, nil
}

// truncate bounds an error detail string before it is persisted or wrapped.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
