package exec

import "github.com/kwanghoon/vmill/internal/arch"

// Status is a task's scheduling state.
type Status int

const (
	StatusReady Status = iota
	StatusRunning
	StatusPaused
	StatusTerminated
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusTerminated:
		return "terminated"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// Task is one guest thread of execution: a register bank, a memory
// handle, and the coroutine carrying its suspended stack.
type Task struct {
	ID     int
	State  *arch.State
	MemIdx int

	status Status
	co     *Coroutine

	// Last error that moved the task to StatusErrored, if any.
	err error
}

// Status returns the task's scheduling state.
func (t *Task) Status() Status {
	return t.status
}

// Err returns the error that moved the task to StatusErrored.
func (t *Task) Err() error {
	return t.err
}
