// Package device talks to the auxiliary LED/trigger device over a serial
// link and tracks its liveness from message arrival.
package device

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"strandcam/internal/store"
)

// DefaultInterval is the heartbeat period.
const DefaultInterval = 500 * time.Millisecond

// Monitor runs the timer, reader and writer goroutines for one device.
type Monitor struct {
	rw       io.ReadWriteCloser
	interval time.Duration
	shared   *store.Shared
	clock    func() time.Time

	lastSeen atomic.Int64
	seq      atomic.Uint32
	requests chan TimerRequest
	states   chan store.DeviceState
}

// NewMonitor creates a monitor over rw. shared receives the last state
// written to the device.
func NewMonitor(rw io.ReadWriteCloser, interval time.Duration, shared *store.Shared) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		rw:       rw,
		interval: interval,
		shared:   shared,
		clock:    time.Now,
		requests: make(chan TimerRequest, 1),
		states:   make(chan store.DeviceState, 1),
	}
	m.lastSeen.Store(m.clock().UnixNano())
	return m
}

// Interval returns the heartbeat period.
func (m *Monitor) Interval() time.Duration { return m.interval }

// LastSeen returns the arrival time of the most recent device message.
func (m *Monitor) LastSeen() time.Time {
	return time.Unix(0, m.lastSeen.Load())
}

// Reset marks the device as just seen. It is the operator's recovery
// action after the device was flagged lost.
func (m *Monitor) Reset() {
	m.lastSeen.Store(m.clock().UnixNano())
}

// SetState queues a state for the device. Only the newest pending state is
// kept.
func (m *Monitor) SetState(s store.DeviceState) {
	for {
		select {
		case m.states <- s:
			return
		default:
		}
		select {
		case <-m.states:
		default:
		}
	}
}

// Run blocks until ctx is cancelled or the link fails.
func (m *Monitor) Run(parent context.Context) error {
	g, ctx := errgroup.WithContext(parent)

	g.Go(func() error { return m.timerLoop(ctx) })
	g.Go(func() error { return m.writeLoop(ctx) })
	g.Go(func() error { return m.readLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the reader.
		if err := m.rw.Close(); err != nil {
			log.Debug().Str("component", "device").Err(err).Msg("close device link")
		}
		return nil
	})

	err := g.Wait()
	if parent.Err() != nil {
		return nil
	}
	return err
}

func (m *Monitor) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			req := TimerRequest{Seq: m.seq.Add(1)}
			select {
			case m.requests <- req:
			default:
				log.Debug().Str("component", "device").Uint32("seq", req.Seq).Msg("timer request still pending")
			}
		}
	}
}

func (m *Monitor) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.requests:
			if err := WriteMessage(m.rw, KindTimerRequest, &req); err != nil {
				return err
			}
		case s := <-m.states:
			if err := WriteMessage(m.rw, KindDeviceState, &s); err != nil {
				return err
			}
			if m.shared != nil {
				m.shared.Modify(func(st *store.SharedState) { st.DeviceState = &s })
			}
		}
	}
}

func (m *Monitor) readLoop(ctx context.Context) error {
	for {
		env, err := ReadMessage(m.rw)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read from device: %w", err)
		}
		m.lastSeen.Store(m.clock().UnixNano())

		switch env.Kind {
		case KindTimerResponse:
			t, err := env.DecodeTimer()
			if err != nil {
				log.Warn().Str("component", "device").Err(err).Msg("bad timer response")
				continue
			}
			log.Debug().Str("component", "device").Uint32("seq", t.Seq).Uint64("ticks", t.Ticks).Msg("timer response")
		case KindDeviceState:
			if _, err := env.DecodeState(); err != nil {
				log.Warn().Str("component", "device").Err(err).Msg("bad device state")
			}
		default:
			log.Debug().Str("component", "device").Str("kind", env.Kind).Msg("ignoring device message")
		}
	}
}
