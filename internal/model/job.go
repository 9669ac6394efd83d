package model

import "time"

// Job represents one request to run an audio-processing tool against one asset.
type Job struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionId"`
	AssetID   string   `json:"assetId"`
	ToolType  ToolType `json:"toolType"`

	// Dispatch
	Provider      string    `json:"provider"`
	Model         string    `json:"model,omitempty"`
	ExternalJobID *string   `json:"externalJobId,omitempty"`
	Params        JobParams `json:"params"`

	// Progress
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	ETASec   *int      `json:"etaSec,omitempty"`
	Error    *string   `json:"error,omitempty"`

	// Recovery
	RecoveryState  RecoveryState `json:"recoveryState"`
	AttemptCount   int           `json:"attemptCount"`
	QualityFlags   []string      `json:"qualityFlags,omitempty"`
	LastRecoveryAt *time.Time    `json:"lastRecoveryAt,omitempty"`

	ArtifactIDs []string `json:"artifactIds,omitempty"`

	// Version guards recovery commits: every save increments it, and a
	// conditional save observing a different version is rejected.
	Version int `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// JobParams carries tool-specific options.
type JobParams struct {
	// StemCount applies to split_stems: 2 (vocals/instrumental) or 4.
	StemCount int `json:"stemCount,omitempty"`
	// TargetFormat applies to master/denoise output encoding.
	TargetFormat string `json:"targetFormat,omitempty"`
	// Language applies to transcribe.
	Language string `json:"language,omitempty"`
}

// HasFlag reports whether the job already carries a quality flag.
func (j *Job) HasFlag(flag string) bool {
	for _, f := range j.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// AddFlag appends a quality flag if not already present. Flags are
// append-only.
func (j *Job) AddFlag(flag string) {
	if !j.HasFlag(flag) {
		j.QualityFlags = append(j.QualityFlags, flag)
	}
}

// CreateJobRequest is the API payload for starting a job.
type CreateJobRequest struct {
	AssetID  string    `json:"assetId" validate:"required,uuid4"`
	ToolType ToolType  `json:"toolType" validate:"required"`
	Params   JobParams `json:"params"`
}

// JobStatusResponse is returned by the status endpoint.
type JobStatusResponse struct {
	JobID         string        `json:"jobId"`
	Status        JobStatus     `json:"status"`
	Progress      int           `json:"progressPct"`
	ETASec        *int          `json:"etaSec,omitempty"`
	RecoveryState RecoveryState `json:"recoveryState"`
	AttemptCount  int           `json:"attemptCount"`
	QualityFlags  []string      `json:"qualityFlags,omitempty"`
	Error         *string       `json:"error,omitempty"`
	ArtifactIDs   []string      `json:"artifactIds"`
}

// CreateJobResponse is returned when a job is accepted.
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
}

// WebhookPayload is the completion callback body posted by providers.
type WebhookPayload struct {
	ExternalJobID string         `json:"externalJobId"`
	Status        JobStatus      `json:"status"`
	Progress      *int           `json:"progressPct,omitempty"`
	ETASec        *int           `json:"etaSec,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
}

// SweepResult is returned by the recovery sweep trigger.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Stale    int `json:"stale"`
	Retried  int `json:"retried"`
	Fallback int `json:"fallback"`
	Failed   int `json:"failed"`
}
