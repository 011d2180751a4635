package executor

import "errors"

var (
	// ErrCapacityExceeded is returned when starting or resuming a job would
	// exceed the maximum number of concurrently running jobs
	ErrCapacityExceeded = errors.New("max concurrent jobs reached")
	// ErrInvalidState is returned when an operation is not allowed in the
	// job's current status
	ErrInvalidState = errors.New("operation not allowed in current job state")
	// ErrNoCheckpoint is returned when resuming without a usable checkpoint
	ErrNoCheckpoint = errors.New("no valid checkpoint to resume from")
	// ErrJobNotFound is returned for jobs the executor does not know
	ErrJobNotFound = errors.New("job not found")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("executor is shutting down")
)
