package store

import "errors"

var (
	// ErrNotFound signals a missing row; callers map it to a 404-style failure.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals an idempotency key reused with a different request
	// hash, or a lost optimistic race. Surfaced distinctly so callers can
	// branch 409-style rather than 5xx-style.
	ErrConflict = errors.New("conflict")

	// ErrJobTerminal signals an attempted transition on a job that already
	// reached completed, failed, or cancelled.
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrContention signals that the bounded optimistic-retry budget was
	// exhausted, indicating unexpectedly high write contention.
	ErrContention = errors.New("write contention: retries exhausted")
)
