package model

import "time"

// Asset is the session-owned input audio reference. The job core reads
// assets but never mutates them.
type Asset struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	BlobKey     string     `json:"blobKey"`
	BlobURL     string     `json:"blobUrl"`
	SizeBytes   int64      `json:"sizeBytes"`
	DurationSec float64    `json:"durationSec"`
	Consent     bool       `json:"consent"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// Artifact is one durably stored output file produced by a job.
type Artifact struct {
	ID        string     `json:"id"`
	JobID     string     `json:"jobId"`
	BlobKey   string     `json:"blobKey"`
	PublicURL string     `json:"publicUrl"`
	Format    string     `json:"format"`
	SizeBytes int64      `json:"sizeBytes"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// QuotaUsage holds one session's counters for one UTC day.
type QuotaUsage struct {
	SessionID     string `json:"sessionId"`
	Day           string `json:"day"` // YYYY-MM-DD, UTC
	JobsCreated   int64  `json:"jobsCreated"`
	SecondsUsed   int64  `json:"secondsUsed"`
	BytesUploaded int64  `json:"bytesUploaded"`
}

// QuotaDeltas are the additive increments applied by Bump.
type QuotaDeltas struct {
	Jobs    int64
	Seconds int64
	Bytes   int64
}

// QuotaDecision is the outcome of an admission check.
type QuotaDecision struct {
	Allowed bool        `json:"allowed"`
	Reason  string      `json:"reason,omitempty"`
	Usage   *QuotaUsage `json:"usage,omitempty"`
}

// RegisterAssetRequest is the API payload for registering an uploaded asset.
type RegisterAssetRequest struct {
	BlobKey     string  `json:"blobKey" validate:"required"`
	SizeBytes   int64   `json:"sizeBytes" validate:"required,gt=0"`
	DurationSec float64 `json:"durationSec" validate:"gte=0"`
	Consent     bool    `json:"consent" validate:"required"`
}
