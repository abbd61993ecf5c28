// Package thread owns which conversation is active. Switcher sequences
// switch requests so that only the latest one commits, keeps one draft per
// thread, and holds the visible message collection.
package thread

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrProcessing rejects a switch while the active thread has a send in flight.
	ErrProcessing = errors.New("switch blocked: active thread is processing")

	// ErrSuperseded is returned to a switch whose load finished after a newer
	// switch (or Cancel) took over. Nothing was applied.
	ErrSuperseded = errors.New("switch superseded by a newer request")

	// ErrNoRetry is returned by Retry when the last switch did not fail.
	ErrNoRetry = errors.New("no failed switch to retry")
)

// LoadError reports a failed or timed-out thread load.
type LoadError struct {
	ThreadID string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load thread %s: %v", e.ThreadID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Timeout reports whether the load ran past its deadline.
func (e *LoadError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Message is one entry of a thread's collection.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// LoadOptions are passed through to the Loader.
type LoadOptions struct {
	Limit int // 0 loads everything
}

// LoadResult is what a Loader returns for one thread.
type LoadResult struct {
	ThreadID string
	Messages []Message
}

// Loader fetches a thread's messages. The context is cancelled when the
// switch is superseded; honoring it is optional.
type Loader interface {
	LoadThread(ctx context.Context, threadID string, opts LoadOptions) (LoadResult, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, threadID string, opts LoadOptions) (LoadResult, error)

func (f LoaderFunc) LoadThread(ctx context.Context, threadID string, opts LoadOptions) (LoadResult, error) {
	return f(ctx, threadID, opts)
}

// Router reflects the active thread in location state.
type Router interface {
	UpdateLocation(threadID string, scroll bool)
}

// Subscriber moves the realtime subscription to a thread. *ws.Client implements it.
type Subscriber interface {
	SubscribeThread(ctx context.Context, threadID string) error
}

// Options tune a single switch.
type Options struct {
	Force         bool // switch even while processing
	ClearMessages bool // clear the visible collection while loading
	UpdateURL     bool // call Router.UpdateLocation on commit
	Scroll        bool // passed to UpdateLocation
	Reload        bool // reload even if threadID is already active
	Limit         int  // passed to the Loader
}

// State is the observable switch state.
type State struct {
	ActiveThreadID  string
	IsLoading       bool
	LoadingThreadID string
	OperationID     string
	Err             error
	RetryCount      int
}

// View is the visible collection delivered to OnMessages observers.
type View struct {
	ThreadID string // "" while cleared during a load
	Messages []Message
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	copy(out, in)
	return out
}
