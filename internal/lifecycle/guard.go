package lifecycle

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Guard requests a global quit when its thread ends without calling
// Success. Use it as
//
//	g := NewGuard("name", q)
//	defer g.Release()
//	...
//	g.Success()
type Guard struct {
	name     string
	quitter  Quitter
	finished bool
	err      error
	panicked *PanicError
}

// NewGuard arms a guard for the named thread.
func NewGuard(name string, q Quitter) *Guard {
	return &Guard{name: name, quitter: q}
}

// Success disarms the guard.
func (g *Guard) Success() {
	g.finished = true
}

// Fail records a fatal error. Release will request a quit with CauseError.
func (g *Guard) Fail(err error) {
	g.err = err
}

// Check is a convenience for results that must not fail: a non-nil error is
// recorded and reported as true.
func (g *Guard) Check(err error) bool {
	if err != nil {
		g.Fail(err)
		return true
	}
	return false
}

// Release must be deferred directly. It recovers panics and requests a quit
// unless Success was called.
func (g *Guard) Release() {
	if r := recover(); r != nil {
		g.panicked = &PanicError{Thread: g.name, Value: r}
		log.Error().Str("component", "lifecycle").Str("thread", g.name).
			Str("stack", string(debug.Stack())).Msgf("thread panicked: %v", r)
		g.quitter.Quit(Shutdown{Cause: CausePanic, Thread: g.name, Err: g.panicked})
		return
	}
	if g.err != nil {
		log.Error().Str("component", "lifecycle").Str("thread", g.name).Err(g.err).Msg("thread failed")
		g.quitter.Quit(Shutdown{Cause: CauseError, Thread: g.name, Err: g.err})
		return
	}
	if !g.finished {
		g.quitter.Quit(Shutdown{
			Cause:  CauseError,
			Thread: g.name,
			Err:    fmt.Errorf("thread %s exited without success", g.name),
		})
	}
}

// Panic returns the recovered panic, if any.
func (g *Guard) Panic() *PanicError { return g.panicked }

// Err returns the recorded error.
func (g *Guard) Err() error { return g.err }
