package worker

import (
	"context"
	"time"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/queue"
)

// StatusSource resolves a task token to the queue's last known status.
// *queue.Client satisfies it.
type StatusSource interface {
	GetTaskStatus(ctx context.Context, token string) (*queue.TaskStatus, error)
}

var _ StatusSource = (*queue.Client)(nil)

// Reconciler sweeps jobs stuck in PROCESSING past a deadline. A worker crash
// between claiming a job and recording its outcome leaves exactly this state
// behind; the sweep adopts the queue's verdict when one exists and fails the
// job otherwise.
type Reconciler struct {
	repo     domain.JobRepository
	statuses StatusSource
	fabric   domain.Publisher
	interval time.Duration
	after    time.Duration
	logger   infra.Logger
}

// NewReconciler builds a sweep over the job store.
func NewReconciler(repo domain.JobRepository, statuses StatusSource, fabric domain.Publisher, interval, after time.Duration, logger infra.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		statuses: statuses,
		fabric:   fabric,
		interval: interval,
		after:    after,
		logger:   logger,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconcile: sweep failed")
			} else if n > 0 {
				r.logger.Info().Int("reconciled", n).Msg("reconcile: swept stale jobs")
			}
		}
	}
}

// Sweep reconciles one batch of stale PROCESSING jobs and returns how many it
// touched.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.repo.ListStaleProcessing(ctx, r.after, 100)
	if err != nil {
		return 0, err
	}

	var touched int
	for _, job := range stale {
		status, data, resolved := r.verdict(ctx, &job)
		if !resolved {
			continue
		}
		if err := r.repo.Transition(ctx, job.ID, status, data); err != nil {
			// Finished between the list and the update; nothing to do.
			r.logger.Debug().Err(err).Str("job_id", job.ID).Msg("reconcile: job resolved concurrently")
			continue
		}
		touched++
		r.logger.Warn().
			Str("job_id", job.ID).
			Str("status", string(status)).
			Str("task_token", job.TaskToken).
			Msg("reconcile: adopted verdict for stale job")

		ev := domain.ProgressEvent{
			JobID:     job.ID,
			TenantID:  job.TenantID,
			Status:    status,
			Timestamp: time.Now().UTC(),
		}
		if err := r.fabric.Publish(ctx, ev); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: event publish failed")
		}
	}
	return touched, nil
}

// verdict decides what a stale job becomes. Terminal states in the token
// status cache are trusted; a PROCESSING hint updated within the staleness
// threshold means a worker is still on the task, so the job is left alone.
// Only a vanished token or a hint gone quiet past the threshold counts as
// lost. resolved is false when the sweep should skip the job.
func (r *Reconciler) verdict(ctx context.Context, job *domain.Job) (status domain.JobStatus, data domain.TransitionData, resolved bool) {
	if job.TaskToken != "" {
		ts, err := r.statuses.GetTaskStatus(ctx, job.TaskToken)
		if err == nil && ts != nil {
			switch domain.JobStatus(ts.Status) {
			case domain.JobStatusCompleted:
				// Terminal write to the job store was lost but the work
				// happened; without its artifacts the job is still unusable.
				return domain.JobStatusFailed, domain.TransitionData{Error: "reconciled: outcome recorded without artifacts"}, true
			case domain.JobStatusFailed:
				msg := ts.Error
				if msg == "" {
					msg = "reconciled: task failed"
				}
				return domain.JobStatusFailed, domain.TransitionData{Error: msg}, true
			case domain.JobStatusCancelled:
				return domain.JobStatusCancelled, domain.TransitionData{}, true
			case domain.JobStatusProcessing:
				if time.Since(ts.UpdatedAt) < r.after {
					return "", domain.TransitionData{}, false
				}
			}
		}
	}
	return domain.JobStatusFailed, domain.TransitionData{Error: "reconciled: task lost"}, true
}
