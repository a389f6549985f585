package models

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key (idempotency key, suppression
	// entry) already exists.
	ErrDuplicate = errors.New("duplicate key")
	// ErrRunFinalized is returned for writes against a terminal run.
	ErrRunFinalized = errors.New("run already finalized")
	// ErrJobNotOwned is returned when a worker releases a job whose lease it
	// no longer holds.
	ErrJobNotOwned = errors.New("job not owned by worker")
	// ErrInvalidState is returned when an outbox email is not in the state an
	// operation requires.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrUnrecoverable marks a job failure that no retry can fix; the worker
	// dead-letters it without spending the remaining attempts.
	ErrUnrecoverable = errors.New("unrecoverable job")
)
