// Package worker consumes generation tasks from the queue, drives the job
// state machine through a provider call, and writes artifacts to storage.
// Every state change lands in the job store first and is then mirrored to the
// progress fabric and the per-token status cache.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/provider"
	"mediagen/internal/queue"
)

// Source is the queue surface the runner consumes. *queue.Client satisfies it.
type Source interface {
	Read(ctx context.Context) (*queue.Task, error)
	Ack(ctx context.Context, messageID string) error
	DeliveryCount(ctx context.Context, messageID string) (int64, error)
	MoveToDLQ(ctx context.Context, task *queue.Task, reason string) error
	SetTaskStatus(ctx context.Context, token, status, errMsg string) error
	CancelRequested(ctx context.Context, jobID string) bool
}

var _ Source = (*queue.Client)(nil)

// maxDeliveries bounds redelivery of tasks whose consumer crashed mid-flight.
// Past it the task goes to the dead letter stream instead of looping.
const maxDeliveries = 5

// Runner is one consumer loop. Run several against the same consumer group
// for concurrency.
type Runner struct {
	source    Source
	repo      domain.JobRepository
	store     domain.ArtifactStore
	fabric    domain.Publisher
	providers *provider.Registry
	retry     dispatch.RetryPolicy
	logger    infra.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds a consumer loop over the given queue source.
func NewRunner(source Source, repo domain.JobRepository, store domain.ArtifactStore, fabric domain.Publisher, providers *provider.Registry, retry dispatch.RetryPolicy, logger infra.Logger) *Runner {
	return &Runner{
		source:    source,
		repo:      repo,
		store:     store,
		fabric:    fabric,
		providers: providers,
		retry:     retry,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run consumes until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		task, err := r.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("worker: queue read failed")
			if err := r.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if task == nil {
			continue
		}
		r.handle(ctx, task)
	}
}

// handle processes one delivery end to end and always acknowledges it; the
// outcome lives on the job row, not in the stream.
func (r *Runner) handle(ctx context.Context, task *queue.Task) {
	defer func() {
		if err := r.source.Ack(ctx, task.MessageID); err != nil {
			r.logger.Warn().Err(err).Str("message_id", task.MessageID).Msg("worker: ack failed")
		}
	}()

	log := r.logger.With().Str("job_id", task.JobID).Str("message_id", task.MessageID).Logger()

	if n, err := r.source.DeliveryCount(ctx, task.MessageID); err == nil && n > maxDeliveries {
		log.Error().Int64("deliveries", n).Msg("worker: delivery limit exceeded, dead-lettering")
		if err := r.source.MoveToDLQ(ctx, task, "delivery limit exceeded"); err != nil {
			log.Error().Err(err).Msg("worker: dead-letter move failed")
		}
		r.finish(ctx, task, domain.JobStatusFailed, domain.TransitionData{Error: "task exceeded redelivery limit"})
		return
	}

	if r.source.CancelRequested(ctx, task.JobID) {
		log.Info().Msg("worker: cancellation requested before start")
		r.finish(ctx, task, domain.JobStatusCancelled, domain.TransitionData{})
		return
	}

	if err := r.repo.Transition(ctx, task.JobID, domain.JobStatusProcessing, domain.TransitionData{}); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			// Already claimed or already terminal; this delivery is a dupe.
			log.Debug().Msg("worker: job not claimable, skipping delivery")
			return
		}
		log.Error().Err(err).Msg("worker: failed to claim job")
		return
	}
	r.announce(ctx, task, domain.JobStatusProcessing, 0, "")

	status, data := r.execute(ctx, task, log)
	r.finish(ctx, task, status, data)
}

// execute runs the attempt loop and returns the terminal status to record.
func (r *Runner) execute(ctx context.Context, task *queue.Task, log infra.Logger) (status domain.JobStatus, data domain.TransitionData) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("worker: generation panicked")
			status = domain.JobStatusFailed
			data = domain.TransitionData{Error: fmt.Sprintf("internal error: %v", rec)}
		}
	}()

	kind := domain.JobKind(task.Kind)
	var params map[string]any
	if err := json.Unmarshal(task.Payload, &params); err != nil {
		return domain.JobStatusFailed, domain.TransitionData{Error: "malformed task payload"}
	}

	backend, err := r.providers.Best(kind, preferencesFrom(params))
	if err != nil {
		return domain.JobStatusFailed, domain.TransitionData{Error: err.Error()}
	}

	req := provider.Request{JobID: task.JobID, Kind: kind, Params: params}

	var result *provider.Result
	for attempt := 1; ; attempt++ {
		if r.source.CancelRequested(ctx, task.JobID) {
			log.Info().Int("attempt", attempt).Msg("worker: cancellation requested mid-run")
			return domain.JobStatusCancelled, domain.TransitionData{}
		}

		result, err = backend.Generate(ctx, req)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return domain.JobStatusFailed, domain.TransitionData{Error: "worker shutting down"}
		}
		if !provider.IsTransient(err) {
			log.Error().Err(err).Int("attempt", attempt).Msg("worker: terminal provider error")
			return domain.JobStatusFailed, domain.TransitionData{Error: err.Error()}
		}
		if !r.retry.ShouldRetry(attempt) {
			log.Error().Err(err).Int("attempt", attempt).Msg("worker: retries exhausted")
			return domain.JobStatusFailed, domain.TransitionData{
				Error: fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, err),
			}
		}
		delay := r.retry.Backoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("worker: transient failure, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			return domain.JobStatusFailed, domain.TransitionData{Error: "worker shutting down"}
		}
	}

	outputs := make([]domain.Artifact, 0, len(result.Artifacts))
	total := len(result.Artifacts)
	for i, a := range result.Artifacts {
		artifact, err := r.store.Store(ctx, a.Bytes, kind, a.MIME)
		if err != nil {
			log.Error().Err(err).Msg("worker: artifact store failed")
			return domain.JobStatusFailed, domain.TransitionData{Error: fmt.Sprintf("artifact storage: %v", err)}
		}
		outputs = append(outputs, *artifact)
		if total > 1 {
			r.announce(ctx, task, domain.JobStatusProcessing, (i+1)*100/total, "")
		}
	}

	return domain.JobStatusCompleted, domain.TransitionData{Outputs: outputs, Progress: 100}
}

// finish records the terminal status and mirrors it outward. ErrStaleTransition
// here means another actor already terminated the job; their verdict stands.
func (r *Runner) finish(ctx context.Context, task *queue.Task, status domain.JobStatus, data domain.TransitionData) {
	if err := r.repo.Transition(ctx, task.JobID, status, data); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			r.logger.Debug().Str("job_id", task.JobID).Str("status", string(status)).Msg("worker: job already terminal")
			return
		}
		r.logger.Error().Err(err).Str("job_id", task.JobID).Msg("worker: failed to record terminal status")
		return
	}
	progress := data.Progress
	r.announce(ctx, task, status, progress, data.Error)

	r.logger.Info().
		Str("job_id", task.JobID).
		Str("status", string(status)).
		Msg("worker: job finished")
}

// announce publishes to the progress fabric and mirrors the token status
// cache. Both are best-effort; the job store already holds the truth.
func (r *Runner) announce(ctx context.Context, task *queue.Task, status domain.JobStatus, progress int, errMsg string) {
	ev := domain.ProgressEvent{
		JobID:     task.JobID,
		Status:    status,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	}
	if job, err := r.repo.GetByID(ctx, task.JobID); err == nil {
		ev.TenantID = job.TenantID
	}
	if err := r.fabric.Publish(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("worker: event publish failed")
	}
	if err := r.source.SetTaskStatus(ctx, task.MessageID, string(status), errMsg); err != nil {
		r.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("worker: task status mirror failed")
	}
}

// preferencesFrom reads optional provider selection hints out of the request
// params.
func preferencesFrom(params map[string]any) provider.Preferences {
	var p provider.Preferences
	if v, ok := params["prefer_cost"].(float64); ok {
		p.CostWeight = v
	}
	if v, ok := params["prefer_speed"].(float64); ok {
		p.SpeedWeight = v
	}
	if v, ok := params["prefer_quality"].(float64); ok {
		p.QualityWeight = v
	}
	return p
}
