package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(rdb, WithClock(func() time.Time { return now }))
	return l, &now
}

func TestAllowBurstThenReject(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Capacity: 5, LeakRatePerSec: 1}

	for i := 0; i < 5; i++ {
		ok, err := l.Allow(ctx, "user-1:video", rule)
		if err != nil {
			t.Fatalf("Allow #%d error: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("Allow #%d = false, want true", i+1)
		}
	}

	ok, err := l.Allow(ctx, "user-1:video", rule)
	if err != nil {
		t.Fatalf("Allow #6 error: %v", err)
	}
	if ok {
		t.Fatal("Allow #6 = true, want false")
	}
}

func TestRapidBurstAdmitsExactlyCapacity(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Capacity: 5, LeakRatePerSec: 1}

	var accepted int
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(ctx, "user-burst:image", rule)
		if err != nil {
			t.Fatalf("Allow #%d error: %v", i+1, err)
		}
		if ok {
			accepted++
		}
	}
	if accepted != 5 {
		t.Fatalf("accepted = %d of 10, want exactly 5", accepted)
	}
}

func TestBucketLeaksOverTime(t *testing.T) {
	l, now := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Capacity: 5, LeakRatePerSec: 1}

	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow(ctx, "user-2:video", rule); !ok {
			t.Fatalf("warm-up Allow #%d rejected", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, "user-2:video", rule); ok {
		t.Fatal("bucket should be full")
	}

	// One second of leak frees exactly one slot.
	*now = now.Add(time.Second)
	if ok, _ := l.Allow(ctx, "user-2:video", rule); !ok {
		t.Fatal("Allow after 1s = false, want true")
	}
	if ok, _ := l.Allow(ctx, "user-2:video", rule); ok {
		t.Fatal("second Allow after 1s = true, want false")
	}
}

func TestBucketLeaksWhileRejected(t *testing.T) {
	l, now := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Capacity: 2, LeakRatePerSec: 0.5}

	l.Allow(ctx, "user-3:image", rule)
	l.Allow(ctx, "user-3:image", rule)
	if ok, _ := l.Allow(ctx, "user-3:image", rule); ok {
		t.Fatal("bucket should be full")
	}

	// Rejections persisted the drained level, so two seconds at 0.5/sec
	// frees one token.
	*now = now.Add(2 * time.Second)
	if ok, _ := l.Allow(ctx, "user-3:image", rule); !ok {
		t.Fatal("Allow after leak = false, want true")
	}
}

func TestDistinctKeysIsolated(t *testing.T) {
	l, _ := setupLimiter(t)
	ctx := context.Background()
	rule := Rule{Capacity: 1, LeakRatePerSec: 1}

	if ok, _ := l.Allow(ctx, "user-a:video", rule); !ok {
		t.Fatal("user-a first call rejected")
	}
	if ok, _ := l.Allow(ctx, "user-b:video", rule); !ok {
		t.Fatal("user-b should have its own bucket")
	}
}

func TestFailClosedWhenStoreDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewLimiter(rdb)
	mr.Close()

	ok, err := l.Allow(context.Background(), "user-4:image", Rule{Capacity: 5, LeakRatePerSec: 1})
	if err == nil {
		t.Fatal("Allow should report the store error")
	}
	if ok {
		t.Fatal("Allow must fail closed when the store is unavailable")
	}
}
