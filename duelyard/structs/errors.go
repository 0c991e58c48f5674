package structs

import "errors"

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrSimNotFound    = errors.New("simulation not found")
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidTransition is returned when a requested state change is
	// forbidden by the transition tables.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrJobTerminal is returned when an operation targets a job that has
	// already reached a terminal status.
	ErrJobTerminal = errors.New("job is in a terminal state")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different request payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

	ErrBadRequest       = errors.New("bad request")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTooManyRequests  = errors.New("rate limit exceeded")
	ErrNoQueuedJobs     = errors.New("no queued jobs")
)
