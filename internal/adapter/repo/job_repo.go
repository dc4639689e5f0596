package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediagen/internal/domain"
)

const defaultListLimit = 20

// JobRepositoryPG implements domain.JobRepository on PostgreSQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// CreateWithDebit inserts a new job record and debits the owner's credit
// account in one transaction. When the balance does not cover the cost the
// transaction rolls back and domain.ErrInsufficientCredit is returned with no
// job row persisted.
func (r *JobRepositoryPG) CreateWithDebit(ctx context.Context, job *domain.Job) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance int64
	err = tx.QueryRow(ctx, `
UPDATE credit_accounts
SET balance = balance - $2, updated_at = NOW()
WHERE user_id = $1 AND balance >= $2
RETURNING balance;
`, job.UserID, job.Cost).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientCredit
		}
		return 0, fmt.Errorf("debit credits: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO credit_ledger (user_id, amount, reason, job_id)
VALUES ($1, $2, $3, $4);
`, job.UserID, -job.Cost, "job:"+string(job.Kind), job.ID); err != nil {
		return 0, fmt.Errorf("record ledger entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO jobs (id, user_id, tenant_id, kind, status, cost, input)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`, job.ID, job.UserID, job.TenantID, job.Kind, job.Status, job.Cost, job.Input); err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit create job: %w", err)
	}
	return balance, nil
}

const jobColumns = `id, user_id, tenant_id, kind, status, cost, input, outputs, progress, error_message, task_token, created_at, updated_at, completed_at`

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	return scanJob(row)
}

// GetOwned fetches a job only when it belongs to the given user.
func (r *JobRepositoryPG) GetOwned(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2;`, jobID, userID)
	return scanJob(row)
}

// List returns the user's jobs newest-first with optional status filtering
// and offset pagination.
func (r *JobRepositoryPG) List(ctx context.Context, userID string, filter domain.ListFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []any{userID}
	if filter.Status != "" {
		query += ` AND status = $2`
		args = append(args, filter.Status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d OFFSET %d;`, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Transition advances a job's status. The allowed-from set is enforced in
// SQL so two workers can never race the same row into conflicting states.
// A transition targeting an already-terminal row returns
// domain.ErrStaleTransition; callers treat that as a logged anomaly.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID string, to domain.JobStatus, data domain.TransitionData) error {
	from := allowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("no transition into %q", to)
	}

	var outputs []byte
	if len(data.Outputs) > 0 {
		var err error
		outputs, err = json.Marshal(data.Outputs)
		if err != nil {
			return fmt.Errorf("marshal outputs: %w", err)
		}
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = $2,
    error_message = COALESCE(NULLIF($3, ''), error_message),
    outputs = COALESCE($4, outputs),
    progress = GREATEST(progress, $5),
    updated_at = NOW(),
    completed_at = CASE WHEN $2 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN NOW() ELSE completed_at END
WHERE id = $1 AND status = ANY($6);
`, jobID, to, data.Error, outputs, data.Progress, from)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		current, err := r.GetByID(ctx, jobID)
		if err != nil {
			return err
		}
		if current.Status.Terminal() || current.Status == to {
			return domain.ErrStaleTransition
		}
		return fmt.Errorf("job %s in %s cannot move to %s", jobID, current.Status, to)
	}
	return nil
}

func allowedFrom(to domain.JobStatus) []string {
	var from []string
	for _, s := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing} {
		if domain.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

// SetTaskToken records the queue token assigned at dispatch time.
func (r *JobRepositoryPG) SetTaskToken(ctx context.Context, jobID, token string) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET task_token = $2, updated_at = NOW() WHERE id = $1;`, jobID, token)
	return err
}

// ListStaleProcessing returns PROCESSING jobs whose last recorded change is
// older than olderThan. Staleness keys off updated_at, not created_at, so a
// long-running but recently claimed task is not reported merely for having
// sat queued a while.
func (r *JobRepositoryPG) ListStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = 'PROCESSING' AND updated_at < NOW() - $1::interval
ORDER BY updated_at ASC
LIMIT $2;
`, olderThan.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale processing: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	var outputs []byte
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.TenantID,
		&job.Kind,
		&job.Status,
		&job.Cost,
		&job.Input,
		&outputs,
		&job.Progress,
		&job.Error,
		&job.TaskToken,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &job.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
