package training

import "fmt"

// Status is the lifecycle state of a training job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order
var Statuses = []Status{
	StatusQueued,
	StatusRunning,
	StatusPaused,
	StatusCancelled,
	StatusCompleted,
	StatusFailed,
}

// transitions lists every legal edge of the job state machine
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed},
	StatusRunning: {StatusPaused, StatusCancelled, StatusCompleted, StatusFailed},
	StatusPaused:  {StatusRunning, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// TransitionError is returned when a job is asked to make an illegal move
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
