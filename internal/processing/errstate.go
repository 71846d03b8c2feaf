package processing

import (
	"sync"
	"time"
)

// ErrorMode governs whether dropped frames are reported to the operator.
type ErrorMode int

const (
	NotifyAll ErrorMode = iota
	IgnoreUntil
	IgnoreAll
)

func (m ErrorMode) String() string {
	switch m {
	case NotifyAll:
		return "notify_all"
	case IgnoreUntil:
		return "ignore_until"
	case IgnoreAll:
		return "ignore_all"
	default:
		return "unknown"
	}
}

// ErrorState rate-limits frame processing error notifications. It is
// shared by the capture thread and the dispatcher.
type ErrorState struct {
	mu       sync.Mutex
	mode     ErrorMode
	deadline time.Time
	grace    time.Duration
}

// NewErrorState starts in NotifyAll. After each notification the state
// stays quiet for grace; zero grace notifies on every event.
func NewErrorState(grace time.Duration) *ErrorState {
	return &ErrorState{grace: grace}
}

// Observe records one dropped frame and reports whether the operator should
// be told about it.
func (e *ErrorState) Observe(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.mode {
	case IgnoreAll:
		return false
	case IgnoreUntil:
		if now.Before(e.deadline) {
			return false
		}
		e.mode = NotifyAll
		e.deadline = time.Time{}
		return true
	default:
		if e.grace > 0 {
			e.mode = IgnoreUntil
			e.deadline = now.Add(e.grace)
		}
		return true
	}
}

// SetIgnoreFuture applies an operator choice: nil ignores everything,
// zero or negative notifies on everything, and a positive value ignores
// errors for that many seconds.
func (e *ErrorState) SetIgnoreFuture(seconds *float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case seconds == nil:
		e.mode = IgnoreAll
		e.deadline = time.Time{}
	case *seconds <= 0:
		e.mode = NotifyAll
		e.deadline = time.Time{}
	default:
		d := time.Duration(*seconds * float64(time.Second))
		e.mode = IgnoreUntil
		e.deadline = now.Add(d)
	}
}

// Mode returns the current mode and deadline.
func (e *ErrorState) Mode() (ErrorMode, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode, e.deadline
}
