// Package queue carries units of work over Redis Streams. A consumer group
// gives at-least-once delivery across many worker processes; XPENDING delivery
// counts bound redelivery, with a dead-letter stream for poisoned messages.
// The stream message id doubles as the provider task token recorded on the
// job, and a small per-token status hash serves as a cache for the
// reconciliation sweep. The job store stays the single source of truth.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	taskStatusTTL = 24 * time.Hour
	cancelTTL     = 24 * time.Hour
)

// Task is a unit of work read from the stream.
type Task struct {
	MessageID string
	JobID     string
	Kind      string
	Payload   json.RawMessage
}

// TaskStatus is the queue-side execution hint for a task token. It is a cache,
// not truth: the job store record wins on conflict.
type TaskStatus struct {
	Status    string
	Error     string
	UpdatedAt time.Time
}

// Client wraps the Redis Streams operations shared by the dispatcher and the
// workers.
type Client struct {
	rdb        *redis.Client
	stream     string
	group      string
	consumerID string
	block      time.Duration
}

// Config holds queue client configuration.
type Config struct {
	Stream string
	Group  string
	Block  time.Duration
}

// NewClient creates a queue client. Each instance gets a unique consumer id.
func NewClient(rdb *redis.Client, cfg Config) *Client {
	if cfg.Stream == "" {
		cfg.Stream = "jobs:v1:media"
	}
	if cfg.Group == "" {
		cfg.Group = "mediagen-workers"
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	return &Client{
		rdb:        rdb,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumerID: "mediagen-" + uuid.NewString()[:8],
		block:      cfg.Block,
	}
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends a task to the stream and returns the message id, which
// callers persist as the job's task token.
func (c *Client) Enqueue(ctx context.Context, jobID, kind string, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{
			"jobId":   jobID,
			"kind":    kind,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Read blocks until a task is available or the block timeout elapses.
// Returns (nil, nil) when nothing arrived in time.
func (c *Client) Read(ctx context.Context) (*Task, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0])
}

func parseMessage(msg redis.XMessage) (*Task, error) {
	task := &Task{MessageID: msg.ID}
	if v, ok := msg.Values["jobId"].(string); ok {
		task.JobID = v
	}
	if v, ok := msg.Values["kind"].(string); ok {
		task.Kind = v
	}
	if v, ok := msg.Values["payload"].(string); ok {
		task.Payload = json.RawMessage(v)
	}
	if task.JobID == "" {
		return nil, fmt.Errorf("queue: message %s missing jobId", msg.ID)
	}
	return task, nil
}

// Ack acknowledges a processed message so the group stops redelivering it.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.rdb.XAck(ctx, c.stream, c.group, messageID).Err()
}

// DeliveryCount returns how many times a pending message has been delivered.
func (c *Client) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// MoveToDLQ parks a poisoned message on the dead-letter stream.
func (c *Client) MoveToDLQ(ctx context.Context, task *Task, reason string) error {
	dlq := dlqName(c.stream)
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		Values: map[string]any{
			"original_message_id": task.MessageID,
			"original_stream":     c.stream,
			"jobId":               task.JobID,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"consumer":            c.consumerID,
		},
	}).Err()
}

func dlqName(stream string) string {
	if strings.HasPrefix(stream, "jobs:") {
		return "dlq:" + strings.TrimPrefix(stream, "jobs:")
	}
	parts := strings.Split(stream, ":")
	return "dlq:v1:" + parts[len(parts)-1]
}

// SetTaskStatus records the queue-side execution state for a task token.
func (c *Client) SetTaskStatus(ctx context.Context, token, status, errMsg string) error {
	key := taskStatusKey(token)
	fields := map[string]any{
		"status":     status,
		"consumer":   c.consumerID,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, taskStatusTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetTaskStatus loads the queue-side hint for a task token, or nil when the
// token is unknown (expired or never executed).
func (c *Client) GetTaskStatus(ctx context.Context, token string) (*TaskStatus, error) {
	data, err := c.rdb.HGetAll(ctx, taskStatusKey(token)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	st := &TaskStatus{
		Status: data["status"],
		Error:  data["error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, data["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	return st, nil
}

func taskStatusKey(token string) string {
	return "task:" + token + ":status"
}

// RequestCancel flags a job for best-effort cancellation. Workers check the
// flag before claiming; a task that finishes first keeps its real terminal
// status.
func (c *Client) RequestCancel(ctx context.Context, jobID string) error {
	return c.rdb.Set(ctx, cancelKey(jobID), "1", cancelTTL).Err()
}

// CancelRequested reports whether cancellation was requested for a job.
// Errors are swallowed: cancellation is advisory and must never block
// processing.
func (c *Client) CancelRequested(ctx context.Context, jobID string) bool {
	v, err := c.rdb.Exists(ctx, cancelKey(jobID)).Result()
	return err == nil && v > 0
}

func cancelKey(jobID string) string {
	return "cancel:" + jobID
}

// ConsumerID returns the unique consumer identifier of this client.
func (c *Client) ConsumerID() string {
	return c.consumerID
}

// Stream returns the stream name this client reads from.
func (c *Client) Stream() string {
	return c.stream
}
