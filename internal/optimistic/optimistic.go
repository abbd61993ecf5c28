// Package optimistic applies local-first mutations to a collection, tracks
// them as pending, and reconciles or rolls them back when the commit
// resolves.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/notify"
)

// Kind is the mutation a PendingOperation applied.
type Kind int

const (
	Create Kind = iota
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrNotFound is returned when Update or Delete target an id that is not in
// the active collection.
var ErrNotFound = errors.New("item not found")

// ErrNoCollection is returned when the store holds no collection for the
// scope a mutation targets.
var ErrNoCollection = errors.New("no collection for scope")

// CommitError wraps a rejected or timed-out commit.
type CommitError struct {
	Kind Kind
	ID   string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Store holds the collections mutations apply to, one per scope (thread).
// Mutate applies fn to the scope's collection wherever the store keeps it
// and reports false when the scope is no longer held.
type Store[T any] interface {
	ActiveScope() string
	Mutate(scope string, fn func([]T) []T) bool
}

// PendingOperation is a mutation applied locally and awaiting its commit.
type PendingOperation[T any] struct {
	TempID   string // operation token; for Create also the temporary item id
	Kind     Kind
	TargetID string
	Snapshot T // item before the mutation; zero for Create
	Scope    string
	Started  time.Time
}

// Result is published once per resolved operation. Err is nil on success.
type Result[T any] struct {
	Op  PendingOperation[T]
	Err error
}

// Config wires an Engine. ID and SetID are required.
type Config[T any] struct {
	Store         Store[T]
	ID            func(T) string
	SetID         func(T, string) T
	CommitTimeout time.Duration // 0 means no timeout
	Logger        *zap.Logger

	// NewTempID mints temporary ids. Defaults to "temp-" + uuid.
	NewTempID func() string
}

// Engine applies optimistic mutations. Operations resolve independently;
// each one resolves into the scope that was active when it was applied.
type Engine[T any] struct {
	store   Store[T]
	id      func(T) string
	setID   func(T, string) T
	timeout time.Duration
	newTemp func() string
	now     func() time.Time
	log     *zap.Logger

	mu       sync.Mutex
	pending  map[string]*PendingOperation[T]
	byTarget map[string]int

	results notify.Hub[Result[T]]
}

// New creates an Engine over cfg.Store.
func New[T any](cfg Config[T]) *Engine[T] {
	mint := cfg.NewTempID
	if mint == nil {
		mint = func() string { return "temp-" + uuid.NewString() }
	}
	l := cfg.Logger
	if l == nil {
		l = logger.L()
	}
	return &Engine[T]{
		store:    cfg.Store,
		id:       cfg.ID,
		setID:    cfg.SetID,
		timeout:  cfg.CommitTimeout,
		newTemp:  mint,
		now:      time.Now,
		log:      l.With(zap.String("component", "optimistic")),
		pending:  make(map[string]*PendingOperation[T]),
		byTarget: make(map[string]int),
	}
}

// Add appends item to the active scope's collection under a temporary id
// and commits it. commit receives the item as inserted (with the temporary
// id) and returns the server entity, which replaces the temporary entry by
// id. On failure the temporary entry is removed.
func (e *Engine[T]) Add(ctx context.Context, item T, commit func(context.Context, T) (T, error)) (T, error) {
	return e.AddIn(ctx, e.store.ActiveScope(), item, commit)
}

// AddIn is Add into scope's collection, whether or not scope is active.
// It fails with ErrNoCollection when the store does not hold scope.
func (e *Engine[T]) AddIn(ctx context.Context, scope string, item T, commit func(context.Context, T) (T, error)) (T, error) {
	var zero T
	tempID := e.newTemp()
	local := e.setID(item, tempID)

	op := &PendingOperation[T]{TempID: tempID, Kind: Create, TargetID: tempID, Scope: scope}
	var wasNil bool
	if !e.apply(op, func(items []T) ([]T, error) {
		wasNil = items == nil
		return append(items, local), nil
	}) {
		return zero, fmt.Errorf("optimistic add to %q: %w", scope, ErrNoCollection)
	}

	saved, err := runCommit(ctx, e.timeout, func(ctx context.Context) (T, error) { return commit(ctx, local) })
	if err != nil {
		e.resolve(op, func(items []T) []T {
			items = e.remove(items, tempID)
			if wasNil && len(items) == 0 {
				return nil
			}
			return items
		})
		return zero, e.failed(op, err)
	}

	savedID := e.id(saved)
	e.resolve(op, func(items []T) []T {
		i := e.index(items, tempID)
		if savedID != tempID && e.index(items, savedID) >= 0 {
			// The confirmed entity already arrived by another path.
			return e.remove(items, tempID)
		}
		if i < 0 {
			return append(items, saved)
		}
		items[i] = saved
		return items
	})
	e.succeeded(op)
	return saved, nil
}

// Update applies patch to the item with id and commits the patched item.
// A successful commit's returned entity replaces the item; on failure the
// exact pre-patch item is restored.
func (e *Engine[T]) Update(ctx context.Context, id string, patch func(T) T, commit func(context.Context, T) (T, error)) (T, error) {
	var zero, patched T
	op := &PendingOperation[T]{TempID: e.newTemp(), Kind: Update, TargetID: id, Scope: e.store.ActiveScope()}
	var found bool
	if !e.apply(op, func(items []T) ([]T, error) {
		i := e.index(items, id)
		if i < 0 {
			return items, ErrNotFound
		}
		found = true
		op.Snapshot = items[i]
		patched = patch(items[i])
		items[i] = patched
		return items, nil
	}) || !found {
		return zero, fmt.Errorf("optimistic update %s: %w", id, ErrNotFound)
	}

	saved, err := runCommit(ctx, e.timeout, func(ctx context.Context) (T, error) { return commit(ctx, patched) })
	if err != nil {
		snap := op.Snapshot
		e.resolve(op, func(items []T) []T {
			if i := e.index(items, id); i >= 0 {
				items[i] = snap
			}
			return items
		})
		return zero, e.failed(op, err)
	}
	e.resolve(op, func(items []T) []T {
		if i := e.index(items, id); i >= 0 {
			items[i] = saved
		}
		return items
	})
	e.succeeded(op)
	return saved, nil
}

// Delete removes the item with id and commits the removal. On failure the
// item is re-inserted after its original predecessor, or at its original
// index when the predecessor is gone.
func (e *Engine[T]) Delete(ctx context.Context, id string, commit func(context.Context, T) error) error {
	op := &PendingOperation[T]{TempID: e.newTemp(), Kind: Delete, TargetID: id, Scope: e.store.ActiveScope()}
	var (
		found  bool
		index  int
		prevID string
	)
	if !e.apply(op, func(items []T) ([]T, error) {
		i := e.index(items, id)
		if i < 0 {
			return items, ErrNotFound
		}
		found = true
		op.Snapshot = items[i]
		index = i
		if i > 0 {
			prevID = e.id(items[i-1])
		}
		return e.remove(items, id), nil
	}) || !found {
		return fmt.Errorf("optimistic delete %s: %w", id, ErrNotFound)
	}

	snap := op.Snapshot
	_, err := runCommit(ctx, e.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, commit(ctx, snap)
	})
	if err != nil {
		e.resolve(op, func(items []T) []T {
			if e.index(items, id) >= 0 {
				return items
			}
			at := index
			if prevID != "" {
				if p := e.index(items, prevID); p >= 0 {
					at = p + 1
				}
			}
			if at > len(items) {
				at = len(items)
			}
			items = append(items, snap)
			copy(items[at+1:], items[at:])
			items[at] = snap
			return items
		})
		return e.failed(op, err)
	}
	e.resolve(op, func(items []T) []T { return e.remove(items, id) })
	e.succeeded(op)
	return nil
}

// IsPending reports whether id is the target of an unresolved operation.
func (e *Engine[T]) IsPending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byTarget[id] > 0
}

func (e *Engine[T]) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Pending returns a snapshot of the unresolved operations.
func (e *Engine[T]) Pending() []PendingOperation[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingOperation[T], 0, len(e.pending))
	for _, op := range e.pending {
		out = append(out, *op)
	}
	return out
}

// OnResult registers an observer called after every operation resolves.
func (e *Engine[T]) OnResult(fn func(Result[T])) (unsubscribe func()) {
	return e.results.Subscribe(fn)
}

// apply runs fn on op.Scope's collection and records op as pending. It
// reports false when the store holds no collection for the scope.
func (e *Engine[T]) apply(op *PendingOperation[T], fn func([]T) ([]T, error)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	op.Started = e.now()
	var applyErr error
	ok := e.store.Mutate(op.Scope, func(items []T) []T {
		out, err := fn(items)
		applyErr = err
		return out
	})
	if !ok || applyErr != nil {
		return false
	}
	e.pending[op.TempID] = op
	e.byTarget[op.TargetID]++
	return true
}

// resolve runs fn on op's scope and clears op from the pending set.
func (e *Engine[T]) resolve(op *PendingOperation[T], fn func([]T) []T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.store.Mutate(op.Scope, fn) {
		e.log.Debug("scope gone before resolve", zap.String("scope", op.Scope), zap.String("op", op.Kind.String()), zap.String("id", op.TargetID))
	}
	delete(e.pending, op.TempID)
	if e.byTarget[op.TargetID] <= 1 {
		delete(e.byTarget, op.TargetID)
	} else {
		e.byTarget[op.TargetID]--
	}
}

func (e *Engine[T]) failed(op *PendingOperation[T], err error) error {
	e.log.Warn("optimistic commit failed", zap.String("op", op.Kind.String()), zap.String("id", op.TargetID), zap.Error(err))
	cerr := &CommitError{Kind: op.Kind, ID: op.TargetID, Err: err}
	e.results.Publish(Result[T]{Op: *op, Err: cerr})
	return cerr
}

func (e *Engine[T]) succeeded(op *PendingOperation[T]) {
	e.log.Debug("optimistic commit", zap.String("op", op.Kind.String()), zap.String("id", op.TargetID), zap.Duration("took", e.now().Sub(op.Started)))
	e.results.Publish(Result[T]{Op: *op})
}

func (e *Engine[T]) index(items []T, id string) int {
	for i := range items {
		if e.id(items[i]) == id {
			return i
		}
	}
	return -1
}

func (e *Engine[T]) remove(items []T, id string) []T {
	i := e.index(items, id)
	if i < 0 {
		return items
	}
	return append(items[:i], items[i+1:]...)
}

// runCommit calls commit with the optional timeout. A commit that ignores
// its context is abandoned when the context ends.
func runCommit[R any](ctx context.Context, timeout time.Duration, commit func(context.Context) (R, error)) (R, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	type outcome struct {
		v   R
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := commit(ctx)
		ch <- outcome{v, err}
	}()
	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
