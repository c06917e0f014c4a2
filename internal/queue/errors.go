package queue

import "errors"

// Queue errors.
var (
	// ErrJobNotFound indicates the referenced job does not exist.
	ErrJobNotFound = errors.New("queue: job not found")

	// ErrNoHandler indicates no handler is registered for a job's
	// (plugin, type) pair.
	ErrNoHandler = errors.New("queue: no handler registered")

	// ErrLockLost indicates the worker's lock was reclaimed before it could
	// finish the job; the outcome was discarded.
	ErrLockLost = errors.New("queue: job lock lost")

	// ErrInvalidJob indicates the enqueue request was malformed.
	ErrInvalidJob = errors.New("queue: invalid job")
)
