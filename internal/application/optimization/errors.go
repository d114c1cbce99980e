package optimization

import (
	"fmt"
	"time"
)

// DataError means the historical data cannot support the run. Nothing is
// deployed.
type DataError struct {
	Stage string
	Err   error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("data error during %s: %v", e.Stage, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// DeploymentIOError means saving a version or swapping the live pointer
// failed. The run aborts and the previous live pointer stays authoritative.
type DeploymentIOError struct {
	Op  string
	Err error
}

func (e *DeploymentIOError) Error() string {
	return fmt.Sprintf("deployment I/O failed during %s: %v", e.Op, e.Err)
}

func (e *DeploymentIOError) Unwrap() error { return e.Err }

// TimeoutError means the run exceeded its wall-clock budget
type TimeoutError struct {
	Budget  time.Duration
	Elapsed time.Duration
	Stage   string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run exceeded its %s budget during %s (elapsed %s)", e.Budget, e.Stage, e.Elapsed.Round(time.Millisecond))
}
