// Package jobs orchestrates the submission path: admission control, user
// idempotency, the atomic debit+create, and dispatch onto the task queue.
// The submitting side never waits for execution; it returns the job id and
// lets the read paths carry everything that happens afterwards.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/provider"
	"mediagen/internal/ratelimit"
)

// Admitter gatekeeps job creation per user and kind.
type Admitter interface {
	Allow(ctx context.Context, key string, rule ratelimit.Rule) (bool, error)
}

// Submitter enqueues a job's unit of work exactly once.
type Submitter interface {
	Submit(ctx context.Context, job *domain.Job) (token string, duplicate bool, err error)
}

// Canceller flags queued work for best-effort cancellation.
type Canceller interface {
	RequestCancel(ctx context.Context, jobID string) error
}

// Service is the core submission and read-path service.
type Service struct {
	repo       domain.JobRepository
	rdb        *redis.Client
	admitter   Admitter
	dispatcher Submitter
	canceller  Canceller
	fabric     domain.Publisher
	rules      map[domain.JobKind]ratelimit.Rule
	retention  time.Duration
	logger     infra.Logger
}

// Options bundles the service dependencies.
type Options struct {
	Repo       domain.JobRepository
	Redis      *redis.Client
	Admitter   Admitter
	Dispatcher Submitter
	Canceller  Canceller
	Fabric     domain.Publisher
	Rules      map[domain.JobKind]ratelimit.Rule
	Retention  time.Duration
	Logger     infra.Logger
}

// NewService wires the submission service.
func NewService(opts Options) *Service {
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Service{
		repo:       opts.Repo,
		rdb:        opts.Redis,
		admitter:   opts.Admitter,
		dispatcher: opts.Dispatcher,
		canceller:  opts.Canceller,
		fabric:     opts.Fabric,
		rules:      opts.Rules,
		retention:  opts.Retention,
		logger:     opts.Logger,
	}
}

// CreateParams describe one submission.
type CreateParams struct {
	UserID         string
	TenantID       string
	Kind           domain.JobKind
	Params         map[string]any
	IdempotencyKey string
}

// Create admits, persists and dispatches a new job. Duplicate submissions
// within the retention window resolve transparently to the original job.
// Admission rejection and insufficient credit surface synchronously; nothing
// that happens after the job row exists ever fails the request.
func (s *Service) Create(ctx context.Context, p CreateParams) (*domain.Job, error) {
	if !domain.ValidKind(p.Kind) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKind, p.Kind)
	}
	if p.UserID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidInput)
	}

	jobID := uuid.NewString()

	// Resolve duplicates before admission: a retry of an already-accepted
	// submission returns the original job without consuming a bucket token.
	if p.IdempotencyKey != "" {
		original, err := s.claimUserKey(ctx, p.UserID, p.IdempotencyKey, jobID)
		if err != nil {
			return nil, err
		}
		if original != "" {
			return s.resolveDuplicate(ctx, original, p)
		}
	}

	rule, ok := s.rules[p.Kind]
	if !ok {
		rule = ratelimit.Rule{Capacity: 5, LeakRatePerSec: 1}
	}
	allowed, err := s.admitter.Allow(ctx, p.UserID+":"+string(p.Kind), rule)
	if err != nil {
		// Fail closed: an unavailable admission store rejects rather than
		// admitting unbounded load.
		s.logger.Error().Err(err).Str("user_id", p.UserID).Msg("jobs: admission store unavailable")
		s.releaseUserKey(ctx, p)
		return nil, domain.ErrAdmissionRejected
	}
	if !allowed {
		s.releaseUserKey(ctx, p)
		return nil, domain.ErrAdmissionRejected
	}

	quote, err := provider.Estimate(p.Kind, p.Params)
	if err != nil {
		s.releaseUserKey(ctx, p)
		return nil, err
	}
	input, err := json.Marshal(p.Params)
	if err != nil {
		s.releaseUserKey(ctx, p)
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	job := &domain.Job{
		ID:       jobID,
		UserID:   p.UserID,
		TenantID: p.TenantID,
		Kind:     p.Kind,
		Status:   domain.JobStatusPending,
		Cost:     quote.Total,
		Input:    input,
	}

	if _, err := s.repo.CreateWithDebit(ctx, job); err != nil {
		s.releaseUserKey(ctx, p)
		if errors.Is(err, domain.ErrInsufficientCredit) {
			return nil, domain.ErrInsufficientCredit
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	// The job row exists: from here on failures are recorded on the job and
	// delivered through the read paths, never through this request.
	token, _, err := s.dispatcher.Submit(ctx, job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: dispatch failed")
		s.failUndispatched(ctx, job, err)
		return job, nil
	}
	job.TaskToken = token
	if err := s.repo.SetTaskToken(ctx, job.ID, token); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: failed to persist task token")
	}

	s.publish(ctx, job, 0)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("kind", string(job.Kind)).
		Int64("cost", job.Cost).
		Msg("jobs: created")
	return job, nil
}

// claimUserKey atomically claims the (user, idempotency-key) pair for jobID.
// It returns the original job id when the pair was already claimed.
func (s *Service) claimUserKey(ctx context.Context, userID, key, jobID string) (string, error) {
	redisKey := userIdemKey(userID, key)
	set, err := s.rdb.SetNX(ctx, redisKey, jobID, s.retention).Result()
	if err != nil {
		return "", fmt.Errorf("claim idempotency key: %w", err)
	}
	if set {
		return "", nil
	}
	original, err := s.rdb.Get(ctx, redisKey).Result()
	if err != nil {
		if err == redis.Nil {
			// The key expired between SetNX and Get; treat as fresh.
			return "", nil
		}
		return "", fmt.Errorf("load idempotency key: %w", err)
	}
	return original, nil
}

// releaseUserKey frees a claimed (user, idempotency-key) pair after a rejected
// submission, so a later retry is not stuck resolving to a job that never
// existed.
func (s *Service) releaseUserKey(ctx context.Context, p CreateParams) {
	if p.IdempotencyKey == "" {
		return
	}
	s.rdb.Del(ctx, userIdemKey(p.UserID, p.IdempotencyKey))
}

func (s *Service) resolveDuplicate(ctx context.Context, originalID string, p CreateParams) (*domain.Job, error) {
	s.logger.Info().
		Str("job_id", originalID).
		Str("user_id", p.UserID).
		Msg("jobs: duplicate submission resolved to original")

	job, err := s.repo.GetOwned(ctx, originalID, p.UserID)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// The original request claimed the key but has not committed its row
		// yet. Hand back the id; the caller polls for the rest.
		return &domain.Job{ID: originalID, UserID: p.UserID, Kind: p.Kind, Status: domain.JobStatusPending}, nil
	}
	return nil, err
}

func (s *Service) failUndispatched(ctx context.Context, job *domain.Job, cause error) {
	data := domain.TransitionData{Error: fmt.Sprintf("dispatch failed: %v", cause)}
	if err := s.repo.Transition(ctx, job.ID, domain.JobStatusFailed, data); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("jobs: failed to record dispatch failure")
		return
	}
	job.Status = domain.JobStatusFailed
	job.Error = data.Error
	s.publish(ctx, job, 0)
}

// Get returns the durable truth for one job.
func (s *Service) Get(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	return s.repo.GetOwned(ctx, jobID, userID)
}

// List returns the user's jobs newest-first.
func (s *Service) List(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Job, error) {
	return s.repo.List(ctx, userID, filter)
}

// Cancel requests best-effort cancellation. A PENDING job transitions to
// CANCELLED immediately; a PROCESSING job gets a revoke flag and keeps its
// real terminal status if it finishes first; terminal jobs are a no-op.
func (s *Service) Cancel(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	job, err := s.repo.GetOwned(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if err := s.canceller.RequestCancel(ctx, job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: failed to flag cancellation")
	}

	if job.Status == domain.JobStatusPending {
		err := s.repo.Transition(ctx, job.ID, domain.JobStatusCancelled, domain.TransitionData{})
		if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
			// A worker claimed it between the read and the update; the revoke
			// flag above still covers it.
			s.logger.Debug().Err(err).Str("job_id", job.ID).Msg("jobs: cancel raced with claim")
		}
		if err == nil {
			job.Status = domain.JobStatusCancelled
			s.publish(ctx, job, 0)
			return job, nil
		}
	}

	return s.repo.GetOwned(ctx, jobID, userID)
}

func (s *Service) publish(ctx context.Context, job *domain.Job, progress int) {
	ev := domain.ProgressEvent{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		Status:    job.Status,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	}
	if err := s.fabric.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("jobs: event publish failed")
	}
}

func userIdemKey(userID, key string) string {
	return "idem:user:" + userID + ":" + key
}
