// Package notify is a small observer registry used by the session stores.
// Subscribers are called synchronously, in subscription order, outside of
// the hub's lock.
package notify

import "sync"

type entry[T any] struct {
	id int
	fn func(T)
}

// Hub fans a value out to every subscriber.
type Hub[T any] struct {
	mu   sync.Mutex
	next int
	subs []entry[T]
}

// Subscribe registers fn and returns a func that removes it. The returned
// func is safe to call more than once.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	h.next++
	id := h.next
	h.subs = append(h.subs, entry[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, e := range h.subs {
				if e.id == id {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every current subscriber with v.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	subs := make([]entry[T], len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, e := range subs {
		e.fn(v)
	}
}

// Len returns the number of subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Clear removes all subscribers.
func (h *Hub[T]) Clear() {
	h.mu.Lock()
	h.subs = nil
	h.mu.Unlock()
}
