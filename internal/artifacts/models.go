package artifacts

import (
	"time"

	"callpipeline/internal/event"
)

// Status tracks an artifact through its fetch/upload lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
	// StatusSuperseded marks an uploaded audio displaced by a longer
	// recording of the same call and mime type.
	StatusSuperseded Status = "superseded"
)

// Audio is one call recording stored in the audio bucket.
//
// Invariant: at most one StatusUploaded audio per (call_id, mime_type);
// when several recordings exist the greatest duration wins and the
// rest are superseded.
type Audio struct {
	ID       string         `json:"id" db:"id"`
	TenantID string         `json:"tenant_id" db:"tenant_id"`
	CallID   string         `json:"call_id" db:"call_id"`
	Provider event.Provider `json:"provider" db:"provider"`

	MimeType        string `json:"mime_type" db:"mime_type"`
	DurationSeconds int    `json:"duration" db:"duration"`

	Bucket string `json:"bucket" db:"bucket"`
	// Key is deterministic (call_id/audio_id) so retried uploads
	// overwrite rather than duplicate.
	Key string `json:"key" db:"key"`

	Status   Status `json:"status" db:"status"`
	Attempts int    `json:"attempts" db:"attempts"`

	// Version guards status transitions against concurrent fetchers.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TranscriptType discriminates full-call transcripts from per-channel
// ones.
type TranscriptType string

const (
	TranscriptFull     TranscriptType = "full"
	TranscriptChannel1 TranscriptType = "channel1"
	TranscriptChannel2 TranscriptType = "channel2"
)

// Transcript is produced by the downstream transcription pipeline and
// registered here once uploaded.
type Transcript struct {
	ID       string         `json:"id" db:"id"`
	TenantID string         `json:"tenant_id" db:"tenant_id"`
	CallID   string         `json:"call_id" db:"call_id"`
	Type     TranscriptType `json:"type" db:"type"`

	// DerivedFromAudioID links back to the audio the transcript was
	// produced from.
	DerivedFromAudioID string `json:"derived_from_audio_id" db:"derived_from_audio_id"`

	Bucket string `json:"bucket" db:"bucket"`
	Key    string `json:"key" db:"key"`

	Status Status `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
