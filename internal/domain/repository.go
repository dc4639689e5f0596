package domain

import (
	"context"
	"time"
)

// ListFilter narrows List results. Zero Limit means the repository default.
type ListFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// TransitionData carries the optional fields written alongside a status
// transition.
type TransitionData struct {
	Error    string
	Outputs  []Artifact
	Progress int
}

// JobRepository defines persistence for job entities. Create is atomic with
// the credit debit of Job.Cost: when the debit fails no job record exists.
type JobRepository interface {
	CreateWithDebit(ctx context.Context, job *Job) (balance int64, err error)
	GetByID(ctx context.Context, jobID string) (*Job, error)
	GetOwned(ctx context.Context, jobID, userID string) (*Job, error)
	List(ctx context.Context, userID string, filter ListFilter) ([]Job, error)
	Transition(ctx context.Context, jobID string, to JobStatus, data TransitionData) error
	SetTaskToken(ctx context.Context, jobID, token string) error
	ListStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error)
}

// CreditLedger exposes the credit account side consumed outside job creation.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, reason string) (int64, error)
}

// ArtifactStore persists generated output bytes and returns a durable,
// content-addressed reference.
type ArtifactStore interface {
	Store(ctx context.Context, data []byte, kind JobKind, mime string) (*Artifact, error)
}

// Publisher emits progress events on the fabric. Implementations are
// best-effort; a publish failure never fails the transition that produced it.
type Publisher interface {
	Publish(ctx context.Context, ev ProgressEvent) error
}
