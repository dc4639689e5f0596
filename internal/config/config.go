package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment
// variables. Defaults suit local development; DATABASE_URL is the only
// required value.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Port   string `env:"PORT" envDefault:"8080"`

	DatabaseURL   string `env:"DATABASE_URL,notEmpty"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	StoragePath    string `env:"STORAGE_PATH" envDefault:"./storage"`
	StorageBaseURL string `env:"STORAGE_BASE_URL" envDefault:"http://localhost:8080/static"`

	QueueStream   string        `env:"QUEUE_STREAM" envDefault:"jobs:v1:media"`
	ConsumerGroup string        `env:"QUEUE_CONSUMER_GROUP" envDefault:"mediagen-workers"`
	QueueBlock    time.Duration `env:"QUEUE_BLOCK" envDefault:"5s"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileAfter    time.Duration `env:"RECONCILE_AFTER" envDefault:"10m"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"60s"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"1h"`
	RetentionTTL   time.Duration `env:"IDEMPOTENCY_RETENTION_TTL" envDefault:"24h"`

	// Leaky-bucket admission rules per kind. Video is throttled harder than
	// image and audio.
	ImageCapacity int     `env:"ADMIT_IMAGE_CAPACITY" envDefault:"10"`
	ImageLeakRate float64 `env:"ADMIT_IMAGE_LEAK_RATE" envDefault:"1"`
	VideoCapacity int     `env:"ADMIT_VIDEO_CAPACITY" envDefault:"3"`
	VideoLeakRate float64 `env:"ADMIT_VIDEO_LEAK_RATE" envDefault:"0.2"`
	AudioCapacity int     `env:"ADMIT_AUDIO_CAPACITY" envDefault:"10"`
	AudioLeakRate float64 `env:"ADMIT_AUDIO_LEAK_RATE" envDefault:"0.5"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	StreamHeartbeat time.Duration `env:"STREAM_HEARTBEAT" envDefault:"15s"`
}

// Load reads an optional .env file and parses configuration from the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &cfg, nil
}
