package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/provider"
	"mediagen/internal/queue"
)

type fakeSource struct {
	statuses   map[string]queue.TaskStatus
	acked      []string
	dlq        []string
	deliveries map[string]int64
	cancelled  map[string]bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		statuses:   map[string]queue.TaskStatus{},
		deliveries: map[string]int64{},
		cancelled:  map[string]bool{},
	}
}

func (s *fakeSource) Read(context.Context) (*queue.Task, error) { return nil, nil }

func (s *fakeSource) Ack(_ context.Context, messageID string) error {
	s.acked = append(s.acked, messageID)
	return nil
}

func (s *fakeSource) DeliveryCount(_ context.Context, messageID string) (int64, error) {
	if n, ok := s.deliveries[messageID]; ok {
		return n, nil
	}
	return 1, nil
}

func (s *fakeSource) MoveToDLQ(_ context.Context, task *queue.Task, _ string) error {
	s.dlq = append(s.dlq, task.MessageID)
	return nil
}

func (s *fakeSource) SetTaskStatus(_ context.Context, token, status, errMsg string) error {
	s.statuses[token] = queue.TaskStatus{Status: status, Error: errMsg, UpdatedAt: time.Now()}
	return nil
}

func (s *fakeSource) GetTaskStatus(_ context.Context, token string) (*queue.TaskStatus, error) {
	ts, ok := s.statuses[token]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (s *fakeSource) CancelRequested(_ context.Context, jobID string) bool {
	return s.cancelled[jobID]
}

type memRepo struct {
	jobs map[string]*domain.Job
}

func newMemRepo(jobs ...*domain.Job) *memRepo {
	r := &memRepo{jobs: map[string]*domain.Job{}}
	for _, j := range jobs {
		cp := *j
		r.jobs[j.ID] = &cp
	}
	return r
}

func (r *memRepo) CreateWithDebit(_ context.Context, job *domain.Job) (int64, error) {
	cp := *job
	r.jobs[job.ID] = &cp
	return 0, nil
}

func (r *memRepo) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memRepo) GetOwned(_ context.Context, jobID, userID string) (*domain.Job, error) {
	job, err := r.GetByID(nil, jobID)
	if err != nil || job.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (r *memRepo) List(context.Context, string, domain.ListFilter) ([]domain.Job, error) {
	return nil, nil
}

func (r *memRepo) Transition(_ context.Context, jobID string, to domain.JobStatus, data domain.TransitionData) error {
	job, ok := r.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if !domain.CanTransition(job.Status, to) {
		return domain.ErrStaleTransition
	}
	job.Status = to
	job.Error = data.Error
	job.Outputs = data.Outputs
	job.Progress = data.Progress
	return nil
}

func (r *memRepo) SetTaskToken(_ context.Context, jobID, token string) error {
	if job, ok := r.jobs[jobID]; ok {
		job.TaskToken = token
	}
	return nil
}

func (r *memRepo) ListStaleProcessing(_ context.Context, _ time.Duration, _ int) ([]domain.Job, error) {
	var out []domain.Job
	for _, job := range r.jobs {
		if job.Status == domain.JobStatusProcessing {
			out = append(out, *job)
		}
	}
	return out, nil
}

type memStore struct {
	stored int
	err    error
}

func (s *memStore) Store(_ context.Context, data []byte, kind domain.JobKind, mime string) (*domain.Artifact, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.stored++
	return &domain.Artifact{URL: "/artifacts/test", Size: int64(len(data)), MIME: mime}, nil
}

type memFabric struct {
	events []domain.ProgressEvent
}

func (f *memFabric) Publish(_ context.Context, ev domain.ProgressEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string            { return p.name }
func (p *scriptedProvider) Kinds() []domain.JobKind { return []domain.JobKind{domain.JobKindImage} }
func (p *scriptedProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{CostPerUnit: 0.1, RateLimitPerMin: 60, QualityScore: 0.5}
}

func (p *scriptedProvider) Generate(context.Context, provider.Request) (*provider.Result, error) {
	p.calls++
	if p.calls <= len(p.errs) {
		if err := p.errs[p.calls-1]; err != nil {
			return nil, err
		}
	}
	return &provider.Result{Artifacts: []provider.ArtifactData{{Bytes: []byte("png"), MIME: "image/png"}}}, nil
}

type harness struct {
	runner   *Runner
	source   *fakeSource
	repo     *memRepo
	store    *memStore
	fabric   *memFabric
	provider *scriptedProvider
}

func newHarness(t *testing.T, jobs ...*domain.Job) *harness {
	t.Helper()
	h := &harness{
		source:   newFakeSource(),
		repo:     newMemRepo(jobs...),
		store:    &memStore{},
		fabric:   &memFabric{},
		provider: &scriptedProvider{name: "scripted"},
	}
	reg := provider.NewRegistry()
	reg.Register(h.provider)

	policy := dispatch.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	h.runner = NewRunner(h.source, h.repo, h.store, h.fabric, reg, policy, zerolog.Nop())
	h.runner.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

func pendingJob(id string) *domain.Job {
	return &domain.Job{ID: id, UserID: "u1", TenantID: "t1", Kind: domain.JobKindImage, Status: domain.JobStatusPending}
}

func imageTask(jobID string) *queue.Task {
	return &queue.Task{MessageID: "m-" + jobID, JobID: jobID, Kind: "image", Payload: []byte(`{"count":1}`)}
}

func TestHandleCompletesJob(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", job.Status)
	}
	if len(job.Outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(job.Outputs))
	}
	if job.Progress != 100 {
		t.Fatalf("progress = %d, want 100", job.Progress)
	}
	if len(h.source.acked) != 1 {
		t.Fatalf("acked %d messages, want 1", len(h.source.acked))
	}

	var sawProcessing, sawCompleted bool
	for _, ev := range h.fabric.events {
		switch ev.Status {
		case domain.JobStatusProcessing:
			sawProcessing = true
		case domain.JobStatusCompleted:
			sawCompleted = true
		}
		if ev.TenantID != "t1" {
			t.Fatalf("event tenant = %q, want t1", ev.TenantID)
		}
	}
	if !sawProcessing || !sawCompleted {
		t.Fatalf("events missing transitions: %+v", h.fabric.events)
	}
}

func TestHandleRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	h.provider.errs = []error{
		provider.Transient(errors.New("upstream 503")),
		provider.Transient(errors.New("upstream 503")),
	}

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after retries", job.Status)
	}
	if h.provider.calls != 3 {
		t.Fatalf("provider called %d times, want 3", h.provider.calls)
	}
}

func TestHandleRetriesExhausted(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	h.provider.errs = []error{
		provider.Transient(errors.New("upstream 503")),
		provider.Transient(errors.New("upstream 503")),
		provider.Transient(errors.New("upstream 503")),
	}

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if job.Error == "" {
		t.Fatal("failed job must carry an error detail")
	}
	if h.provider.calls != 3 {
		t.Fatalf("provider called %d times, want exactly MaxAttempts", h.provider.calls)
	}
}

func TestHandleTerminalErrorDoesNotRetry(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	h.provider.errs = []error{errors.New("prompt rejected")}

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if h.provider.calls != 1 {
		t.Fatalf("provider called %d times, terminal errors must not retry", h.provider.calls)
	}
}

func TestHandleCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	h.source.cancelled["j1"] = true

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", job.Status)
	}
	if h.provider.calls != 0 {
		t.Fatal("cancelled job must not reach the provider")
	}
	if len(h.source.acked) != 1 {
		t.Fatal("cancelled delivery must still be acked")
	}
}

func TestHandleDeliveryLimitDeadLetters(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	task := imageTask("j1")
	h.source.deliveries[task.MessageID] = maxDeliveries + 1

	h.runner.handle(context.Background(), task)

	if len(h.source.dlq) != 1 {
		t.Fatalf("dlq = %v, want the poisoned message", h.source.dlq)
	}
	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED", job.Status)
	}
	if h.provider.calls != 0 {
		t.Fatal("dead-lettered task must not reach the provider")
	}
}

func TestHandleSkipsAlreadyTerminalJob(t *testing.T) {
	job := pendingJob("j1")
	job.Status = domain.JobStatusCancelled
	h := newHarness(t, job)

	h.runner.handle(context.Background(), imageTask("j1"))

	got, _ := h.repo.GetByID(context.Background(), "j1")
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %s, terminal status must stick", got.Status)
	}
	if h.provider.calls != 0 {
		t.Fatal("unclaimable job must not reach the provider")
	}
	if len(h.source.acked) != 1 {
		t.Fatal("duplicate delivery must still be acked")
	}
}

func TestHandleStorageFailureFailsJob(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	h.store.err = errors.New("disk full")

	h.runner.handle(context.Background(), imageTask("j1"))

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED on storage error", job.Status)
	}
	if len(job.Outputs) != 0 {
		t.Fatal("failed job must not carry partial outputs")
	}
}

func TestHandleMirrorsTokenStatus(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	task := imageTask("j1")

	h.runner.handle(context.Background(), task)

	ts, _ := h.source.GetTaskStatus(context.Background(), task.MessageID)
	if ts == nil || ts.Status != string(domain.JobStatusCompleted) {
		t.Fatalf("token status = %+v, want COMPLETED mirror", ts)
	}
}

func TestHandleUnknownKindFails(t *testing.T) {
	h := newHarness(t, pendingJob("j1"))
	task := imageTask("j1")
	task.Kind = "video"

	h.runner.handle(context.Background(), task)

	job, _ := h.repo.GetByID(context.Background(), "j1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want FAILED when no provider serves the kind", job.Status)
	}
}
