// Package provider defines the boundary to generative backends. Providers are
// registered into an explicit registry at startup and selected per kind,
// optionally scored by cost/speed/quality preferences. Actual integrations
// live behind the Provider interface; the rest of the system only sees
// artifact bytes coming back.
package provider

import (
	"context"
	"errors"
	"fmt"

	"mediagen/internal/domain"
)

// Request carries everything a backend needs for one generation.
type Request struct {
	JobID  string
	Kind   domain.JobKind
	Params map[string]any
}

// ArtifactData is one generated output before storage.
type ArtifactData struct {
	Bytes []byte
	MIME  string
}

// Result is a successful generation outcome.
type Result struct {
	Artifacts []ArtifactData
}

// Capabilities describe a backend for provider selection scoring.
type Capabilities struct {
	CostPerUnit     float64 // normalized 0..1, lower is cheaper
	RateLimitPerMin int
	QualityScore    float64 // subjective 0..1
}

// Provider executes generation requests. Generate honors context
// cancellation best-effort; calls may run from sub-second to minutes.
type Provider interface {
	Name() string
	Kinds() []domain.JobKind
	Capabilities() Capabilities
	Generate(ctx context.Context, req Request) (*Result, error)
}

// TransientError marks a failure worth retrying. Anything else is terminal
// for the attempt loop.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ErrNoProvider is returned when no registered backend serves a kind.
var ErrNoProvider = fmt.Errorf("no provider available")
