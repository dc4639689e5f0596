package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupClient(t *testing.T) (*Client, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := NewClient(rdb, Config{Stream: "jobs:v1:test", Group: "test-workers", Block: 50 * time.Millisecond})
	if err := c.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	return c, rdb
}

func TestEnqueueReadAck(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	token, err := c.Enqueue(ctx, "job-1", "image", []byte(`{"prompt":"a cat"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if token == "" {
		t.Fatal("Enqueue returned empty task token")
	}

	task, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if task == nil {
		t.Fatal("Read returned nil task")
	}
	if task.JobID != "job-1" || task.Kind != "image" {
		t.Fatalf("task = %+v", task)
	}
	if task.MessageID != token {
		t.Fatalf("MessageID = %s, want %s", task.MessageID, token)
	}

	if err := c.Ack(ctx, task.MessageID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Nothing left to read.
	again, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("Read after ack: %v", err)
	}
	if again != nil {
		t.Fatalf("Read after ack = %+v, want nil", again)
	}
}

func TestReadTimesOutEmpty(t *testing.T) {
	c, _ := setupClient(t)

	task, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if task != nil {
		t.Fatalf("Read on empty stream = %+v, want nil", task)
	}
}

func TestMoveToDLQ(t *testing.T) {
	c, rdb := setupClient(t)
	ctx := context.Background()

	if _, err := c.Enqueue(ctx, "job-2", "video", []byte(`{}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	task, err := c.Read(ctx)
	if err != nil || task == nil {
		t.Fatalf("Read: task=%v err=%v", task, err)
	}

	if err := c.MoveToDLQ(ctx, task, "exceeded max delivery attempts"); err != nil {
		t.Fatalf("MoveToDLQ: %v", err)
	}

	entries, err := rdb.XRange(ctx, "dlq:v1:test", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].Values["jobId"] != "job-2" {
		t.Fatalf("dlq jobId = %v", entries[0].Values["jobId"])
	}
}

func TestTaskStatusRoundTrip(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	if err := c.SetTaskStatus(ctx, "tok-1", "failed", "provider exploded"); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	st, err := c.GetTaskStatus(ctx, "tok-1")
	if err != nil {
		t.Fatalf("GetTaskStatus: %v", err)
	}
	if st == nil {
		t.Fatal("GetTaskStatus returned nil")
	}
	if st.Status != "failed" || st.Error != "provider exploded" {
		t.Fatalf("status = %+v", st)
	}

	missing, err := c.GetTaskStatus(ctx, "tok-unknown")
	if err != nil {
		t.Fatalf("GetTaskStatus(unknown): %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown token status = %+v, want nil", missing)
	}
}

func TestCancelFlag(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	if c.CancelRequested(ctx, "job-3") {
		t.Fatal("CancelRequested before request = true")
	}
	if err := c.RequestCancel(ctx, "job-3"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if !c.CancelRequested(ctx, "job-3") {
		t.Fatal("CancelRequested after request = false")
	}
}
