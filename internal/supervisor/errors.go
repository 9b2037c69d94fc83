package supervisor

import (
	"errors"
	"fmt"
)

// ErrUnsafeArgument rejects extra command arguments containing shell
// metacharacters.
var ErrUnsafeArgument = errors.New("argument contains shell metacharacters")

// ErrNotFound indicates the named process is not part of the loaded
// configuration.
var ErrNotFound = errors.New("process not found")

// ErrIsLayout indicates the name refers to a layout, which cannot be started
// or stopped as a process.
var ErrIsLayout = errors.New("name refers to a layout, not a process")

// PortConflictError reports a port already bound by another process that the
// supervisor was not allowed to terminate.
type PortConflictError struct {
	Process string
	Port    int
	PID     int32
}

func (e *PortConflictError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("process %s: port %d is in use by pid %d (set force=true to take it over)", e.Process, e.Port, e.PID)
	}
	return fmt.Sprintf("process %s: port %d is in use (set force=true to take it over)", e.Process, e.Port)
}

// DependencyTimeoutError reports a dependency that never became ready within
// the configured window.
type DependencyTimeoutError struct {
	Process    string
	Dependency string
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("process %s: dependency %s did not become ready in time", e.Process, e.Dependency)
}
