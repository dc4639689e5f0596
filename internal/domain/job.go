package domain

import (
	"encoding/json"
	"time"
)

// JobKind enumerates supported generation job categories.
type JobKind string

const (
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
	JobKindAudio JobKind = "audio"
)

// ValidKind reports whether k is a known job kind.
func ValidKind(k JobKind) bool {
	switch k {
	case JobKindImage, JobKindVideo, JobKindAudio:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether s is a terminal state. Terminal states are sticky:
// no transition ever leaves one.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Transitions only run forward:
// PENDING -> PROCESSING -> {COMPLETED, FAILED, CANCELLED}, with PENDING also
// allowed to jump straight to a terminal state (cancellation before claim,
// dispatch failure).
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to.Terminal()
	case JobStatusProcessing:
		return to.Terminal()
	}
	return false
}

// Artifact references one stored output of a completed job.
type Artifact struct {
	URL         string `json:"url"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime,omitempty"`
}

// Job is the durable unit of user-visible work. Cost and Input are immutable
// after creation; Outputs stays empty until the job completes.
type Job struct {
	ID          string
	UserID      string
	TenantID    string
	Kind        JobKind
	Status      JobStatus
	Cost        int64
	Input       json.RawMessage
	Outputs     []Artifact
	Progress    int
	Error       string
	TaskToken   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}
