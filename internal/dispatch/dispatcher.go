// Package dispatch turns persisted jobs into queued units of work exactly
// once. A deterministic idempotency key derived from the task name and the
// job's argument representation is set in Redis with set-if-absent before
// enqueuing; request retries and at-least-once redelivery therefore cannot
// produce duplicate side effects downstream.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
	"mediagen/internal/queue"
)

const taskName = "mediagen.generate"

// Dispatcher submits work items to the task queue.
type Dispatcher struct {
	rdb    *redis.Client
	queue  *queue.Client
	logger infra.Logger
	ttl    time.Duration
	Retry  RetryPolicy
}

// NewDispatcher wires a dispatcher over the shared Redis client and queue.
func NewDispatcher(rdb *redis.Client, q *queue.Client, logger infra.Logger, idempotencyTTL time.Duration) *Dispatcher {
	if idempotencyTTL <= 0 {
		idempotencyTTL = time.Hour
	}
	return &Dispatcher{
		rdb:    rdb,
		queue:  q,
		logger: logger,
		ttl:    idempotencyTTL,
		Retry:  DefaultRetryPolicy(),
	}
}

// IdempotencyKey derives the stable hash guarding a submission: task name plus
// the ordered argument representation (job id, kind, payload bytes).
func IdempotencyKey(jobID string, kind domain.JobKind, payload []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%s:", taskName, jobID, kind)
	h.Write(payload)
	return "idem:task:" + hex.EncodeToString(h.Sum(nil))
}

// Submit enqueues the job's unit of work and returns the task token. A
// resubmission inside the idempotency window is reported as duplicate and
// returns the original token without enqueuing again; the in-flight task will
// still complete and update the job store.
func (d *Dispatcher) Submit(ctx context.Context, job *domain.Job) (token string, duplicate bool, err error) {
	key := IdempotencyKey(job.ID, job.Kind, job.Input)

	set, err := d.rdb.SetNX(ctx, key, "pending", d.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dispatch: idempotency check: %w", err)
	}
	if !set {
		prev, err := d.rdb.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return "", false, fmt.Errorf("dispatch: load original token: %w", err)
		}
		d.logger.Info().
			Str("job_id", job.ID).
			Str("idempotency_key", key).
			Msg("dispatch: duplicate submission suppressed")
		if prev == "pending" {
			prev = ""
		}
		return prev, true, nil
	}

	token, err = d.queue.Enqueue(ctx, job.ID, string(job.Kind), job.Input)
	if err != nil {
		// Release the key so a later retry can enqueue.
		d.rdb.Del(ctx, key)
		return "", false, fmt.Errorf("dispatch: enqueue: %w", err)
	}

	// Replace the placeholder with the real token, keeping the original TTL.
	if err := d.rdb.Set(ctx, key, token, redis.KeepTTL).Err(); err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispatch: failed to record task token")
	}

	d.logger.Debug().
		Str("job_id", job.ID).
		Str("task_token", token).
		Msg("dispatch: task enqueued")
	return token, false, nil
}
