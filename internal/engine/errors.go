package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned when MaxWorkers tasks are running.
	ErrResourceExhausted = errors.New("engine: worker limit reached")
	// ErrWorkerCrashed is returned when a worker exits without a result.
	ErrWorkerCrashed = errors.New("engine: worker crashed")
	// ErrTaskRunning is returned when the task id already has a worker.
	ErrTaskRunning = errors.New("engine: task already running")
	// ErrNotRunning is returned by control operations on unknown task ids.
	ErrNotRunning = errors.New("engine: task not running")
	// ErrPauseUnsupported is returned by Pause and Resume where the
	// platform cannot stop a process.
	ErrPauseUnsupported = errors.New("engine: pause not supported on this platform")
)

// CrashError describes a worker that exited without posting a result.
type CrashError struct {
	TaskID   string
	ExitCode int
	Signal   string
	Reason   string
}

func (e *CrashError) Error() string {
	msg := fmt.Sprintf("engine: worker for task %s crashed (exit code %d", e.TaskID, e.ExitCode)
	if e.Signal != "" {
		msg += ", signal " + e.Signal
	}
	msg += ")"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *CrashError) Unwrap() error { return ErrWorkerCrashed }
