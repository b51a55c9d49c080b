package core

import "sync"

// SubscriptionFunc adapts a plain function to Subscription. The function runs
// at most once.
func SubscriptionFunc(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() { s.once.Do(s.fn) }

// Subscribers is a registration list of callbacks of type T. The zero value
// is ready to use.
type Subscribers[T any] struct {
	mu       sync.Mutex
	next     int
	handlers map[int]T
	order    []int
}

func (s *Subscribers[T]) Add(h T) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[int]T)
	}
	id := s.next
	s.next++
	s.handlers[id] = h
	s.order = append(s.order, id)
	return SubscriptionFunc(func() { s.remove(id) })
}

func (s *Subscribers[T]) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the live handlers in registration order. Callers invoke
// them without holding any lock.
func (s *Subscribers[T]) Snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}

func (s *Subscribers[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Clear drops every handler.
func (s *Subscribers[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = nil
	s.order = nil
}
