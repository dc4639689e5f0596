package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/mediagen")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.AppEnv != "development" {
		t.Fatalf("AppEnv = %q, want development", cfg.AppEnv)
	}
	if cfg.QueueStream != "jobs:v1:media" {
		t.Fatalf("QueueStream = %q", cfg.QueueStream)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Fatalf("RetryMaxAttempts = %d, want 3", cfg.RetryMaxAttempts)
	}
	if cfg.RetryBaseDelay != 2*time.Second {
		t.Fatalf("RetryBaseDelay = %v, want 2s", cfg.RetryBaseDelay)
	}
	if cfg.VideoCapacity >= cfg.ImageCapacity {
		t.Fatalf("video capacity %d should be below image capacity %d", cfg.VideoCapacity, cfg.ImageCapacity)
	}
	if cfg.IdempotencyTTL != time.Hour {
		t.Fatalf("IdempotencyTTL = %v, want 1h", cfg.IdempotencyTTL)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail without DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/mediagen")
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("ADMIT_VIDEO_LEAK_RATE", "0.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.WorkerConcurrency != 12 {
		t.Fatalf("WorkerConcurrency = %d, want 12", cfg.WorkerConcurrency)
	}
	if cfg.VideoLeakRate != 0.5 {
		t.Fatalf("VideoLeakRate = %v, want 0.5", cfg.VideoLeakRate)
	}
}
