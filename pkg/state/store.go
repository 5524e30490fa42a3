// Package state provides a small observable state container. A store has one
// writer, the component that owns it, and any number of subscribers that
// receive a copy of every committed value.
package state

import "sync"

// Store holds a value of type T and notifies subscribers after each change.
// Values handed out must be treated as immutable; writers replace slices
// instead of mutating them in place.
type Store[T any] struct {
	mu     sync.RWMutex
	value  T
	nextID int
	subs   map[int]func(T)
}

// New creates a store holding initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the value and notifies subscribers.
func (s *Store[T]) Set(v T) {
	s.Update(func(cur *T) bool {
		*cur = v
		return true
	})
}

// Update applies fn to the value under the write lock. Subscribers are
// notified only when fn reports a change. It returns the resulting value.
func (s *Store[T]) Update(fn func(cur *T) bool) T {
	s.mu.Lock()
	changed := fn(&s.value)
	v := s.value
	var listeners []func(T)
	if changed {
		listeners = make([]func(T), 0, len(s.subs))
		for _, l := range s.subs {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(v)
	}
	return v
}

// Subscribe registers fn for future changes. The returned func removes it.
func (s *Store[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}
