package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAdmissionRejected  = errors.New("admission rejected")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrInvalidKind        = errors.New("invalid job kind")
	ErrInvalidInput       = errors.New("invalid input")
	// ErrStaleTransition is returned when a transition targets a job that has
	// already reached a terminal state. Callers log it as an anomaly; it is
	// never surfaced to users.
	ErrStaleTransition = errors.New("stale transition")
)
