package bridge

import (
	"fmt"

	"github.com/pkg/errors"

	"go.viam.com/mapbridge/engine"
)

// ErrFinishInProgress is returned when a trajectory finish is requested
// while another one is still running. The handoff is not reentrant.
var ErrFinishInProgress = errors.New("trajectory finish already in progress")

// ErrBridgeClosed is returned for operations on a closed bridge.
var ErrBridgeClosed = errors.New("bridge is closed")

// SubmapNotFoundError reports a reference to an unknown trajectory or an
// out-of-range submap index. Recoverable; no state changed.
type SubmapNotFoundError struct {
	ID engine.SubmapID
}

func (e *SubmapNotFoundError) Error() string {
	return fmt.Sprintf("no submap %d in trajectory %d", e.ID.Index, e.ID.Trajectory)
}

// IsNotFound reports whether err is a SubmapNotFoundError.
func IsNotFound(err error) bool {
	var target *SubmapNotFoundError
	return errors.As(err, &target)
}

// EngineError wraps a failure reported by the wrapped engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsEngineError reports whether err is an EngineError.
func IsEngineError(err error) bool {
	var target *EngineError
	return errors.As(err, &target)
}

// ConsistencyError reports that the engine returned a per-submap sequence
// whose length disagrees with the trajectory's submap count. This means the
// engine's internal bookkeeping is corrupt; it is not recoverable and the
// result it came from must not be used.
type ConsistencyError struct {
	Trajectory  engine.TrajectoryID
	What        string
	SubmapCount int
	Got         int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf(
		"engine returned %d %s for trajectory %d which has %d submaps",
		e.Got, e.What, e.Trajectory, e.SubmapCount,
	)
}

// IsConsistencyViolation reports whether err is a ConsistencyError.
func IsConsistencyViolation(err error) bool {
	var target *ConsistencyError
	return errors.As(err, &target)
}
