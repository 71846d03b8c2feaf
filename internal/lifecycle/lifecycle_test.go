package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQuitter struct {
	mu    sync.Mutex
	calls []Shutdown
}

func (r *recordingQuitter) Quit(s Shutdown) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recordingQuitter) get() []Shutdown {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Shutdown(nil), r.calls...)
}

func waitDone(t *testing.T, th *ManagedThread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("thread %s did not exit", th.Name())
	}
}

func TestGuardSuccessDoesNotQuit(t *testing.T) {
	q := &recordingQuitter{}
	th := Spawn("ok", q, func(ctx context.Context) error { return nil })
	waitDone(t, th)
	assert.Empty(t, q.get())
}

func TestGuardErrorQuits(t *testing.T) {
	q := &recordingQuitter{}
	boom := errors.New("disk full")
	th := Spawn("writer", q, func(ctx context.Context) error { return boom })
	waitDone(t, th)

	calls := q.get()
	require.Len(t, calls, 1)
	assert.Equal(t, CauseError, calls[0].Cause)
	assert.Equal(t, "writer", calls[0].Thread)
	assert.ErrorIs(t, calls[0].Err, boom)
}

func TestGuardPanicQuits(t *testing.T) {
	q := &recordingQuitter{}
	th := Spawn("bad", q, func(ctx context.Context) error { panic("oops") })
	waitDone(t, th)

	calls := q.get()
	require.Len(t, calls, 1)
	assert.Equal(t, CausePanic, calls[0].Cause)
	p, _ := th.Result()
	require.NotNil(t, p)
	assert.Equal(t, "oops", p.Value)
}

func TestGuardWithoutSuccessQuits(t *testing.T) {
	q := &recordingQuitter{}
	func() {
		g := NewGuard("manual", q)
		defer g.Release()
	}()
	require.Len(t, q.get(), 1)
	assert.Equal(t, CauseError, q.get()[0].Cause)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitOK, CauseUserQuit.ExitCode())
	assert.Equal(t, ExitOK, CauseSignal.ExitCode())
	assert.Equal(t, ExitError, CauseError.ExitCode())
	assert.Equal(t, ExitPanic, CausePanic.ExitCode())
}

func TestQuitFirstCauseWins(t *testing.T) {
	c := NewCoordinator()
	var forwarded []Shutdown
	c.OnQuit(func(s Shutdown) { forwarded = append(forwarded, s) })

	c.Quit(Shutdown{Cause: CauseUserQuit})
	c.Quit(Shutdown{Cause: CauseError, Thread: "x"})

	assert.Equal(t, CauseUserQuit, c.Cause().Cause)
	assert.Len(t, forwarded, 1)
	select {
	case <-c.Quitting():
	default:
		t.Fatal("Quitting not closed")
	}
}

func TestShutdownOrder(t *testing.T) {
	c := NewCoordinator()
	c.PollInterval = time.Millisecond

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	stream := c.Token()
	c.SetTransport(func(ctx context.Context) error {
		select {
		case <-stream.Done():
			record("transport-after-token")
		default:
			record("transport-before-token")
		}
		return nil
	})

	cam := Spawn("camera", c, func(ctx context.Context) error {
		<-ctx.Done()
		record("camera-stopped")
		return nil
	})
	c.SetCamera(cam)

	for _, name := range []string{"frame-processing", "video-streaming"} {
		name := name
		c.Add(Spawn(name, c, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}))
	}

	rep, err := c.Shutdown(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"stop-flags", "cancel-token", "transport", "camera", "workers"}, rep.Steps)
	assert.Equal(t, []string{"camera", "frame-processing", "video-streaming"}, rep.Joined)
	assert.Equal(t, []string{"transport-after-token", "camera-stopped"}, events)
	assert.Equal(t, CauseNone, c.Cause().Cause)
}

func TestShutdownBoundedPollsWithInstantStop(t *testing.T) {
	c := NewCoordinator()
	c.PollInterval = time.Millisecond
	c.MaxPolls = 5

	for i := 0; i < 4; i++ {
		th := Spawn("w", c, func(ctx context.Context) error { return nil })
		waitDone(t, th)
		c.Add(th)
	}

	rep, err := c.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Joined, 4)
	for _, n := range rep.Polls {
		assert.Equal(t, 0, n)
	}
}

func TestShutdownContinuesAfterPanicAndTimeout(t *testing.T) {
	c := NewCoordinator()
	c.PollInterval = time.Millisecond
	c.MaxPolls = 20

	panicky := Spawn("panicky", c, func(ctx context.Context) error {
		<-ctx.Done()
		panic("late panic")
	})
	stuck := Spawn("stuck", c, func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})
	last := Spawn("last", c, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	c.Add(panicky)
	c.Add(stuck)
	c.Add(last)

	rep, err := c.Shutdown(context.Background())
	require.Error(t, err)

	var pe *PanicError
	assert.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.Equal(t, []string{"panicky", "last"}, rep.Joined)
	assert.Equal(t, ExitPanic, c.ExitCode())
}
