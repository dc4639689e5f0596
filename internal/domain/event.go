package domain

import "time"

// ProgressEvent is the ephemeral notification produced exactly once per state
// transition. It is carried over the progress fabric and never persisted;
// subscribers that miss events resynchronize from the job store.
type ProgressEvent struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
