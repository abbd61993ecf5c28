package optimistic

import (
	"sync"

	"github.com/ehrlich-b/threadline/internal/notify"
)

// List is a Store with a single collection, for data that is not scoped to
// a thread such as the thread list itself. Observers are called on the
// list's own notification goroutine.
type List[T any] struct {
	mu    sync.Mutex
	items []T

	queue   *notify.Queue
	changes notify.Hub[[]T]
}

// NewList creates a list holding items. Call Close when done.
func NewList[T any](items []T) *List[T] {
	return &List[T]{items: clone(items), queue: notify.NewQueue()}
}

// ActiveScope is always "".
func (l *List[T]) ActiveScope() string { return "" }

// Mutate applies fn to the collection. Any scope other than "" is not held.
func (l *List[T]) Mutate(scope string, fn func([]T) []T) bool {
	if scope != "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = fn(clone(l.items))
	l.postLocked()
	return true
}

// Items returns a copy of the collection.
func (l *List[T]) Items() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return clone(l.items)
}

// Set replaces the collection.
func (l *List[T]) Set(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = clone(items)
	l.postLocked()
}

func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// OnChange registers an observer for collection changes.
func (l *List[T]) OnChange(fn func([]T)) (unsubscribe func()) {
	return l.changes.Subscribe(fn)
}

// Sync blocks until queued notifications have been delivered.
func (l *List[T]) Sync() { l.queue.Flush() }

func (l *List[T]) Close() { l.queue.Close() }

func (l *List[T]) postLocked() {
	snap := clone(l.items)
	l.queue.Post(func() { l.changes.Publish(snap) })
}

func clone[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
