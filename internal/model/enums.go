package model

// Tool types
type ToolType string

const (
	ToolSplitStems ToolType = "split_stems"
	ToolDenoise    ToolType = "denoise"
	ToolTranscribe ToolType = "transcribe"
	ToolMaster     ToolType = "master"
)

var ValidToolTypes = []ToolType{
	ToolSplitStems, ToolDenoise, ToolTranscribe, ToolMaster,
}

// IsValidToolType reports whether t is one of the known tool types.
func IsValidToolType(t ToolType) bool {
	for _, v := range ValidToolTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether the status allows no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Recovery state
type RecoveryState string

const (
	RecoveryNone             RecoveryState = "none"
	RecoveryRetrying         RecoveryState = "retrying"
	RecoveryDegradedFallback RecoveryState = "degraded_fallback"
	RecoveryFailedAfterRetry RecoveryState = "failed_after_retry"
)

// Provider names
const (
	ProviderWorker    = "worker"    // self-hosted GPU worker
	ProviderReplicate = "replicate" // hosted inference API
)

// Quality flags appended to jobs touched by recovery
const (
	FlagStaleRetryTriggered        = "stale_retry_triggered"
	FlagFallbackPassthroughOutput  = "fallback_passthrough_output"
	FlagStaleRecoveredWithFallback = "stale_recovered_with_fallback"
	FlagStaleFailedAfterRetry      = "stale_failed_after_retry"
)

// Artifact formats
const (
	FormatWav  = "wav"
	FormatMp3  = "mp3"
	FormatFlac = "flac"
	FormatJSON = "json"
)
