// Package lifecycle supervises the application's threads and runs the
// ordered shutdown.
package lifecycle

import (
	"fmt"
)

// Cause records why the application is shutting down.
type Cause int

const (
	CauseNone Cause = iota
	// CauseUserQuit is an explicit quit command from the control plane.
	CauseUserQuit
	// CauseSignal is SIGINT or SIGTERM.
	CauseSignal
	// CauseError is a supervised thread returning an error.
	CauseError
	// CausePanic is a supervised thread panicking.
	CausePanic
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseUserQuit:
		return "user quit"
	case CauseSignal:
		return "signal"
	case CauseError:
		return "error"
	case CausePanic:
		return "panic"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitPanic = 2
)

// ExitCode maps a cause to the process exit status.
func (c Cause) ExitCode() int {
	switch c {
	case CauseError:
		return ExitError
	case CausePanic:
		return ExitPanic
	default:
		return ExitOK
	}
}

// Shutdown is a typed quit request.
type Shutdown struct {
	Cause  Cause
	Thread string
	Err    error
}

func (s Shutdown) String() string {
	switch {
	case s.Err != nil && s.Thread != "":
		return fmt.Sprintf("%s in %s: %v", s.Cause, s.Thread, s.Err)
	case s.Thread != "":
		return fmt.Sprintf("%s in %s", s.Cause, s.Thread)
	default:
		return s.Cause.String()
	}
}

// Quitter receives quit requests.
type Quitter interface {
	Quit(s Shutdown)
}

// PanicError wraps a value recovered from a supervised thread.
type PanicError struct {
	Thread string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("thread %s panicked: %v", e.Thread, e.Value)
}
