// Package progress is the publish/subscribe fan-out for job state changes.
// Events go over Redis Pub/Sub on a per-job channel and a tenant-wide channel;
// delivery is best-effort with no replay. Subscribers that disconnect
// resynchronize by reading the job store, which stays the durable truth.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"mediagen/internal/domain"
	"mediagen/internal/infra"
)

// Fabric publishes and subscribes to progress events.
type Fabric struct {
	rdb    *redis.Client
	logger infra.Logger
}

// NewFabric builds the fabric over the shared Redis client.
func NewFabric(rdb *redis.Client, logger infra.Logger) *Fabric {
	return &Fabric{rdb: rdb, logger: logger}
}

// JobChannel names the per-job event channel.
func JobChannel(jobID string) string {
	return "jobs:events:" + jobID
}

// TenantChannel names the tenant-wide event channel.
func TenantChannel(tenantID string) string {
	return "jobs:events:tenant:" + tenantID
}

// Publish fans the event out to the job channel and, when the event carries a
// tenant, the tenant-wide channel. Exactly one publish happens per state
// transition; the component performing the transition calls this.
func (f *Fabric) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress: marshal event: %w", err)
	}

	pipe := f.rdb.Pipeline()
	pipe.Publish(ctx, JobChannel(ev.JobID), payload)
	if ev.TenantID != "" {
		pipe.Publish(ctx, TenantChannel(ev.TenantID), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress: publish: %w", err)
	}
	return nil
}

// Subscription delivers events for one channel until closed.
type Subscription struct {
	Events <-chan domain.ProgressEvent
	pubsub *redis.PubSub
}

// Close tears the subscription down and drains the event channel.
func (s *Subscription) Close() error {
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}

// Subscribe opens a subscription on the named channel. Malformed payloads are
// logged and skipped; the stream offers no replay, so callers reconcile gaps
// against the job store after reconnecting.
func (f *Fabric) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	pubsub := f.rdb.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so publishes after this call
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("progress: subscribe %s: %w", channel, err)
	}

	events := make(chan domain.ProgressEvent)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				f.logger.Warn().Err(err).Str("channel", channel).Msg("progress: dropping malformed event")
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{Events: events, pubsub: pubsub}, nil
}
