package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
)

// ManagedThread pairs a cooperative stop signal with a running goroutine.
// It is owned by the Coordinator and joined exactly once.
type ManagedThread struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	panicked *PanicError
	joined   atomic.Bool
}

// Spawn runs fn on its own goroutine under a Guard. fn should return when
// ctx is cancelled; a non-nil error or a panic requests a global quit.
func Spawn(name string, q Quitter, fn func(ctx context.Context) error) *ManagedThread {
	ctx, cancel := context.WithCancel(context.Background())
	t := &ManagedThread{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		g := NewGuard(name, q)
		defer close(t.done)
		defer t.record(g)
		defer g.Release()

		if err := fn(ctx); err != nil {
			g.Fail(err)
			return
		}
		g.Success()
	}()
	return t
}

func (t *ManagedThread) record(g *Guard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = g.Err()
	t.panicked = g.Panic()
}

// Name returns the thread name.
func (t *ManagedThread) Name() string { return t.name }

// Stop flips the cooperative stop flag.
func (t *ManagedThread) Stop() { t.cancel() }

// IsDone reports whether the goroutine has exited.
func (t *ManagedThread) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the goroutine exits.
func (t *ManagedThread) Done() <-chan struct{} { return t.done }

// Result returns the recovered panic and the error after the thread exits.
func (t *ManagedThread) Result() (*PanicError, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.panicked, t.err
}
