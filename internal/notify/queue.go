package notify

import "sync"

// Queue runs posted funcs one at a time, in post order, on its own
// goroutine. Post never blocks, so it is safe to call while holding locks
// that the posted funcs may want.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped bool
}

// NewQueue starts the queue's goroutine. Call Close to stop it.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Post schedules fn. Posts after Close are dropped.
func (q *Queue) Post(fn func()) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every func posted before the call has run.
func (q *Queue) Flush() {
	ch := make(chan struct{})
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return
	}
	q.Post(func() { close(ch) })
	select {
	case <-ch:
	case <-q.done:
	}
}

// Close runs what is already queued, then stops the goroutine.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stop)
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.stop:
			q.mu.Lock()
			batch := q.pending
			q.pending = nil
			q.mu.Unlock()
			for _, fn := range batch {
				fn()
			}
			return
		}
	}
}
