package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is the sleep between liveness checks while joining.
const DefaultPollInterval = 10 * time.Millisecond

// DefaultMaxPolls bounds how long a single join may take.
const DefaultMaxPolls = 500

// ErrJoinTimeout is reported for a thread that did not stop within the
// poll budget.
var ErrJoinTimeout = errors.New("thread did not stop in time")

// Coordinator owns the managed threads and the shared cancellation token and
// runs the shutdown in a fixed order.
type Coordinator struct {
	token       context.Context
	cancelToken context.CancelFunc

	PollInterval time.Duration
	MaxPolls     int

	mu        sync.Mutex
	camera    *ManagedThread
	workers   []*ManagedThread
	transport func(ctx context.Context) error
	onQuit    func(Shutdown)

	quitOnce sync.Once
	cause    Shutdown
	quitCh   chan struct{}

	shutdownOnce sync.Once
	report       Report
	shutdownErr  error
}

var _ Quitter = (*Coordinator)(nil)

// Report describes a completed shutdown.
type Report struct {
	// Steps lists the shutdown steps in the order they ran.
	Steps []string
	// Joined lists thread names in join order.
	Joined []string
	// Polls counts liveness checks per thread.
	Polls map[string]int
}

// NewCoordinator creates a coordinator with a fresh cancellation token.
func NewCoordinator() *Coordinator {
	token, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		token:        token,
		cancelToken:  cancel,
		PollInterval: DefaultPollInterval,
		MaxPolls:     DefaultMaxPolls,
		quitCh:       make(chan struct{}),
	}
}

// Token is the shared cancellation token gating every cancellable stream.
func (c *Coordinator) Token() context.Context { return c.token }

// SetCamera registers the capture-device thread.
func (c *Coordinator) SetCamera(t *ManagedThread) {
	c.mu.Lock()
	c.camera = t
	c.mu.Unlock()
}

// Add registers a worker. Workers are joined in the order they are added.
func (c *Coordinator) Add(t *ManagedThread) {
	c.mu.Lock()
	c.workers = append(c.workers, t)
	c.mu.Unlock()
}

// SetTransport registers the control-plane transport shutdown function.
func (c *Coordinator) SetTransport(fn func(ctx context.Context) error) {
	c.mu.Lock()
	c.transport = fn
	c.mu.Unlock()
}

// OnQuit registers the function that turns the first quit request into a
// quit command for the dispatcher.
func (c *Coordinator) OnQuit(fn func(Shutdown)) {
	c.mu.Lock()
	c.onQuit = fn
	c.mu.Unlock()
}

// Quit records the first quit request and forwards it. Later requests are
// logged and otherwise ignored.
func (c *Coordinator) Quit(s Shutdown) {
	first := false
	c.quitOnce.Do(func() {
		first = true
		c.mu.Lock()
		c.cause = s
		fn := c.onQuit
		c.mu.Unlock()

		log.Info().Str("component", "lifecycle").Str("cause", s.String()).Msg("quit requested")
		close(c.quitCh)
		if fn != nil {
			fn(s)
		}
	})
	if !first {
		log.Debug().Str("component", "lifecycle").Str("cause", s.String()).Msg("quit already in progress")
	}
}

// Quitting is closed after the first quit request.
func (c *Coordinator) Quitting() <-chan struct{} { return c.quitCh }

// Cause returns the first recorded quit request.
func (c *Coordinator) Cause() Shutdown {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// ExitCode is the process status for the recorded cause. A panic found
// while joining overrides a milder cause.
func (c *Coordinator) ExitCode() int {
	code := c.Cause().Cause.ExitCode()
	var pe *PanicError
	if errors.As(c.shutdownErr, &pe) {
		return ExitPanic
	}
	if code == ExitOK && c.shutdownErr != nil {
		return ExitError
	}
	return code
}

// Shutdown stops everything in order:
//  1. flip every worker's stop flag
//  2. cancel the shared token
//  3. shut down the control-plane transport
//  4. stop and join the camera thread
//  5. join the workers in registration order
//
// A panicked or hung thread does not prevent the remaining joins; all
// such failures are returned together. Shutdown runs once; later calls
// return the first result.
func (c *Coordinator) Shutdown(ctx context.Context) (Report, error) {
	c.shutdownOnce.Do(func() {
		c.report, c.shutdownErr = c.shutdown(ctx)
	})
	return c.report, c.shutdownErr
}

func (c *Coordinator) shutdown(ctx context.Context) (Report, error) {
	c.mu.Lock()
	camera := c.camera
	workers := append([]*ManagedThread(nil), c.workers...)
	transport := c.transport
	c.mu.Unlock()

	rep := Report{Polls: make(map[string]int)}
	var errs []error

	rep.Steps = append(rep.Steps, "stop-flags")
	for _, w := range workers {
		w.Stop()
	}

	rep.Steps = append(rep.Steps, "cancel-token")
	c.cancelToken()

	rep.Steps = append(rep.Steps, "transport")
	if transport != nil {
		if err := transport(ctx); err != nil {
			log.Warn().Str("component", "lifecycle").Err(err).Msg("transport shutdown failed")
			errs = append(errs, fmt.Errorf("transport shutdown: %w", err))
		}
	}

	rep.Steps = append(rep.Steps, "camera")
	if camera != nil {
		log.Info().Str("component", "lifecycle").Msg("attempting to nicely stop camera")
		camera.Stop()
		if err := c.join(camera, &rep); err != nil {
			errs = append(errs, err)
		} else {
			log.Info().Str("component", "lifecycle").Msg("camera thread joined")
		}
	}

	rep.Steps = append(rep.Steps, "workers")
	for _, w := range workers {
		if err := c.join(w, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	return rep, errors.Join(errs...)
}

// join polls t until it exits or the poll budget runs out.
func (c *Coordinator) join(t *ManagedThread, rep *Report) error {
	if !t.joined.CompareAndSwap(false, true) {
		return nil
	}

	polls := 0
	for !t.IsDone() {
		if polls >= c.MaxPolls {
			rep.Polls[t.name] = polls
			log.Error().Str("component", "lifecycle").Str("thread", t.name).Msg("thread did not stop")
			return fmt.Errorf("%s: %w", t.name, ErrJoinTimeout)
		}
		polls++
		time.Sleep(c.PollInterval)
	}
	rep.Polls[t.name] = polls
	rep.Joined = append(rep.Joined, t.name)
	log.Debug().Str("component", "lifecycle").Str("thread", t.name).Int("polls", polls).Msg("thread joined")

	if p, _ := t.Result(); p != nil {
		return p
	}
	return nil
}
