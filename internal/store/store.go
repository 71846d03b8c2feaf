// Package store holds the camera state shared between the control plane and
// the processing threads.
package store

import (
	"sync"
)

// Change describes one committed mutation.
type Change[T any] struct {
	Seq uint64
	Old T
	New T
}

// Store guards a value of type T. The only way to mutate it is Modify,
// which runs a closure under the write lock and then notifies subscribers.
//
// T is copied on Read, so pointer and slice fields must be replaced by the
// mutation closure rather than changed in place.
type Store[T any] struct {
	mu    sync.RWMutex
	value T
	seq   uint64

	// notifyMu is taken before mu is released so notifications leave in
	// commit order.
	notifyMu sync.Mutex
	subs     map[*subscription[T]]struct{}
	subsMu   sync.RWMutex
}

type subscription[T any] struct {
	ch      chan Change[T]
	handler func(Change[T])
}

// New creates a store holding initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{
		value: initial,
		subs:  make(map[*subscription[T]]struct{}),
	}
}

// Read returns a copy of the current value.
func (s *Store[T]) Read() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Modify applies fn under the write lock. fn must not block or perform I/O.
func (s *Store[T]) Modify(fn func(*T)) Change[T] {
	s.mu.Lock()
	old := s.value
	fn(&s.value)
	s.seq++
	change := Change[T]{Seq: s.seq, Old: old, New: s.value}

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.publish(change)
	return change
}

// Subscribe returns a channel of changes with the given buffer size and an
// unsubscribe function. Changes are dropped when the channel is full.
func (s *Store[T]) Subscribe(bufferSize int) (<-chan Change[T], func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Change[T], bufferSize)
	sub := &subscription[T]{ch: ch}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(ch)
		}
		s.subsMu.Unlock()
	}
}

// OnChange registers a handler invoked synchronously, in commit order, for
// every change. Handlers must return quickly.
func (s *Store[T]) OnChange(handler func(Change[T])) func() {
	sub := &subscription[T]{handler: handler}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, sub)
		s.subsMu.Unlock()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (s *Store[T]) SubscriberCount() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subs)
}

func (s *Store[T]) publish(change Change[T]) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs {
		if sub.handler != nil {
			sub.handler(change)
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}
