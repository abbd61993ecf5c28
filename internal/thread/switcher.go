package thread

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/notify"
)

// Config wires a Switcher to its collaborators. Only Loader is required.
type Config struct {
	Loader      Loader
	Router      Router
	Subscriber  Subscriber
	Drafts      *Drafts
	LoadTimeout time.Duration // 0 means no timeout
	Logger      *zap.Logger

	// OffscreenLimit caps how many switched-away threads keep their
	// collection in memory. Defaults to DefaultOffscreenLimit.
	OffscreenLimit int

	// NewOperationID mints operation tokens. Defaults to uuid.NewString.
	NewOperationID func() string
}

// DefaultOffscreenLimit is the off-screen collection cap used when
// Config.OffscreenLimit is not positive.
const DefaultOffscreenLimit = 16

type request struct {
	threadID string
	opts     Options
}

// Switcher serializes switches of the active thread. Every request mints a
// new operation ID; a load whose operation ID is no longer current when it
// finishes is discarded, so only the latest request ever commits no matter
// in which order loads complete.
//
// Observers run one at a time on the switcher's notification goroutine.
type Switcher struct {
	loader  Loader
	router  Router
	sub     Subscriber
	drafts  *Drafts
	timeout time.Duration
	newOpID func() string
	log     *zap.Logger

	// commitMu orders commit + subscribe so switch_thread messages leave in
	// commit order.
	commitMu sync.Mutex

	mu         sync.Mutex
	state      State
	cancelLoad context.CancelFunc
	processing bool
	last       *request

	visible        []Message
	visibleThread  string
	offscreen      map[string][]Message
	offscreenLRU   []string // least recently stashed or mutated first
	offscreenLimit int

	input      string
	inputOwner string

	queue    *notify.Queue
	states   notify.Hub[State]
	views    notify.Hub[View]
	inputs   notify.Hub[string]
	commits  notify.Hub[string]
}

// NewSwitcher creates an idle switcher with no active thread. Call Close when done.
func NewSwitcher(cfg Config) *Switcher {
	drafts := cfg.Drafts
	if drafts == nil {
		drafts = NewDrafts(nil)
	}
	mint := cfg.NewOperationID
	if mint == nil {
		mint = uuid.NewString
	}
	l := cfg.Logger
	if l == nil {
		l = logger.L()
	}
	limit := cfg.OffscreenLimit
	if limit <= 0 {
		limit = DefaultOffscreenLimit
	}
	return &Switcher{
		loader:    cfg.Loader,
		router:    cfg.Router,
		sub:       cfg.Subscriber,
		drafts:    drafts,
		timeout:   cfg.LoadTimeout,
		newOpID:   mint,
		log:       l.With(zap.String("component", "switcher")),
		offscreen: make(map[string][]Message),
		queue:     notify.NewQueue(),

		offscreenLimit: limit,
	}
}

// SwitchTo makes threadID the active thread. It blocks until the load
// finishes. A request superseded by a later SwitchTo or Cancel returns
// ErrSuperseded and changes nothing; a failed load returns *LoadError and
// leaves the previous thread active.
func (s *Switcher) SwitchTo(ctx context.Context, threadID string, opts Options) error {
	if threadID == "" {
		return errors.New("switch: thread id is required")
	}

	s.mu.Lock()
	if s.processing && !opts.Force {
		s.mu.Unlock()
		return ErrProcessing
	}
	if !opts.Reload && !s.state.IsLoading && threadID == s.state.ActiveThreadID {
		s.mu.Unlock()
		return nil
	}

	s.snapshotInputLocked()

	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	op := s.newOpID()
	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelLoad = cancel
	s.state.OperationID = op
	s.state.IsLoading = true
	s.state.LoadingThreadID = threadID
	s.state.Err = nil
	s.last = &request{threadID: threadID, opts: opts}

	if opts.ClearMessages {
		s.stashVisibleLocked()
		s.postViewLocked()
	}
	s.postStateLocked()
	s.postInputLocked()
	s.mu.Unlock()

	s.log.Debug("switch requested", zap.String("thread_id", threadID), zap.String("op", op))

	if s.timeout > 0 {
		var tcancel context.CancelFunc
		loadCtx, tcancel = context.WithTimeout(loadCtx, s.timeout)
		defer tcancel()
	}
	res, err := s.load(loadCtx, threadID, LoadOptions{Limit: opts.Limit})
	return s.complete(ctx, op, threadID, opts, res, err)
}

func (s *Switcher) load(ctx context.Context, threadID string, opts LoadOptions) (LoadResult, error) {
	if s.loader == nil {
		return LoadResult{}, errors.New("no thread loader configured")
	}
	type outcome struct {
		res LoadResult
		err error
	}
	// The loader may ignore ctx; the select makes the timeout and
	// supersede take effect anyway.
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.loader.LoadThread(ctx, threadID, opts)
		ch <- outcome{res, err}
	}()
	var res LoadResult
	select {
	case o := <-ch:
		if o.err != nil {
			return o.res, o.err
		}
		res = o.res
	case <-ctx.Done():
		return LoadResult{}, ctx.Err()
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if res.ThreadID != "" && res.ThreadID != threadID {
		return res, fmt.Errorf("loader returned thread %q", res.ThreadID)
	}
	return res, nil
}

func (s *Switcher) complete(ctx context.Context, op, threadID string, opts Options, res LoadResult, loadErr error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	if s.state.OperationID != op {
		s.mu.Unlock()
		s.log.Debug("discarding stale load", zap.String("thread_id", threadID), zap.String("op", op))
		return ErrSuperseded
	}
	s.cancelLoad = nil
	s.state.IsLoading = false
	s.state.LoadingThreadID = ""

	if loadErr != nil {
		lerr := &LoadError{ThreadID: threadID, Err: loadErr}
		s.state.Err = lerr
		s.state.RetryCount++
		s.restoreActiveLocked()
		s.postStateLocked()
		s.mu.Unlock()
		s.log.Warn("switch failed", zap.String("thread_id", threadID), zap.Error(loadErr))
		return lerr
	}

	prev := s.state.ActiveThreadID
	if s.visibleThread != "" && s.visibleThread != threadID {
		s.stashLocked(s.visibleThread, s.visible)
	}
	s.dropOffscreenLocked(threadID)
	s.visible = cloneMessages(res.Messages)
	for i := range s.visible {
		if s.visible[i].ThreadID == "" {
			s.visible[i].ThreadID = threadID
		}
	}
	s.visibleThread = threadID

	s.state.ActiveThreadID = threadID
	s.state.Err = nil
	s.state.RetryCount = 0

	if s.inputOwner != threadID {
		s.snapshotInputLocked()
		s.input = s.drafts.Get(threadID)
		s.inputOwner = threadID
	}

	s.postViewLocked()
	s.postStateLocked()
	s.postInputLocked()
	s.queue.Post(func() { s.commits.Publish(threadID) })
	s.mu.Unlock()

	s.log.Info("switched thread", zap.String("from", prev), zap.String("to", threadID), zap.Int("messages", len(res.Messages)))

	if opts.UpdateURL && s.router != nil {
		s.router.UpdateLocation(threadID, opts.Scroll)
	}
	if s.sub != nil && prev != threadID {
		if err := s.sub.SubscribeThread(ctx, threadID); err != nil {
			s.log.Warn("subscribe thread", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return nil
}

// Cancel abandons the in-flight switch, if any. The active thread is kept.
func (s *Switcher) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsLoading {
		return
	}
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.state.OperationID = s.newOpID()
	s.state.IsLoading = false
	s.state.LoadingThreadID = ""
	s.restoreActiveLocked()
	s.postStateLocked()
}

// Retry re-runs the last switch if it failed.
func (s *Switcher) Retry(ctx context.Context) error {
	s.mu.Lock()
	req := s.last
	failed := s.state.Err != nil
	s.mu.Unlock()
	if req == nil || !failed {
		return ErrNoRetry
	}
	return s.SwitchTo(ctx, req.threadID, req.opts)
}

// SetProcessing marks whether the active thread has a send in flight.
func (s *Switcher) SetProcessing(v bool) {
	s.mu.Lock()
	s.processing = v
	s.mu.Unlock()
}

func (s *Switcher) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// State returns a snapshot of the switch state.
func (s *Switcher) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Switcher) ActiveThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveThreadID
}

// Messages returns a copy of the visible collection.
func (s *Switcher) Messages() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{ThreadID: s.visibleThread, Messages: cloneMessages(s.visible)}
}

// MessagesFor returns a copy of threadID's collection, whether visible or
// kept off-screen, and whether one is held at all.
func (s *Switcher) MessagesFor(threadID string) ([]Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID != "" && threadID == s.visibleThread {
		return cloneMessages(s.visible), true
	}
	m, ok := s.offscreen[threadID]
	return cloneMessages(m), ok
}

// MutateMessages applies fn to threadID's collection. The visible
// collection is only touched when it belongs to threadID; otherwise the
// thread's off-screen copy is updated. It reports false when no collection
// for threadID is held.
func (s *Switcher) MutateMessages(threadID string, fn func([]Message) []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if threadID != "" && threadID == s.visibleThread {
		s.visible = fn(cloneMessages(s.visible))
		s.postViewLocked()
		return true
	}
	m, ok := s.offscreen[threadID]
	if !ok {
		return false
	}
	s.offscreen[threadID] = fn(cloneMessages(m))
	s.touchOffscreenLocked(threadID)
	return true
}

// SetInput replaces the input surface text.
func (s *Switcher) SetInput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = text
	if s.inputOwner == "" {
		if s.state.IsLoading {
			s.inputOwner = s.state.LoadingThreadID
		} else {
			s.inputOwner = s.state.ActiveThreadID
		}
	}
	s.postInputLocked()
}

func (s *Switcher) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Draft returns the saved draft for threadID. The active thread's live
// input is not a saved draft until the user switches away.
func (s *Switcher) Draft(threadID string) string {
	return s.drafts.Get(threadID)
}

// OnState registers an observer for switch state changes.
func (s *Switcher) OnState(fn func(State)) (unsubscribe func()) {
	return s.states.Subscribe(fn)
}

// OnMessages registers an observer for changes to the visible collection.
func (s *Switcher) OnMessages(fn func(View)) (unsubscribe func()) {
	return s.views.Subscribe(fn)
}

// OnInput registers an observer for input surface changes.
func (s *Switcher) OnInput(fn func(string)) (unsubscribe func()) {
	return s.inputs.Subscribe(fn)
}

// OnCommit registers an observer called with the thread ID of every committed switch.
func (s *Switcher) OnCommit(fn func(string)) (unsubscribe func()) {
	return s.commits.Subscribe(fn)
}

// Sync blocks until every notification queued so far has been delivered.
func (s *Switcher) Sync() {
	s.queue.Flush()
}

// Close cancels any in-flight load and stops notifications.
func (s *Switcher) Close() {
	s.mu.Lock()
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.mu.Unlock()
	s.queue.Close()
}

// snapshotInputLocked saves the input into its owner's draft and clears the
// input surface.
func (s *Switcher) snapshotInputLocked() {
	if s.inputOwner != "" {
		s.drafts.Save(s.inputOwner, s.input)
	}
	s.input = ""
	s.inputOwner = ""
}

// stashVisibleLocked moves the visible collection off-screen and clears it.
func (s *Switcher) stashVisibleLocked() {
	if s.visibleThread != "" {
		s.stashLocked(s.visibleThread, s.visible)
	}
	s.visible = nil
	s.visibleThread = ""
}

// restoreActiveLocked puts the active thread's collection and draft back
// after a failed or cancelled switch.
func (s *Switcher) restoreActiveLocked() {
	active := s.state.ActiveThreadID
	if s.visibleThread != active {
		if m, ok := s.offscreen[active]; ok {
			s.dropOffscreenLocked(active)
			s.visible = m
			s.visibleThread = active
			s.postViewLocked()
		}
	}
	if s.inputOwner != active {
		s.snapshotInputLocked()
		s.input = s.drafts.Get(active)
		s.inputOwner = active
		s.postInputLocked()
	}
}

func (s *Switcher) postStateLocked() {
	st := s.state
	s.queue.Post(func() { s.states.Publish(st) })
}

func (s *Switcher) postViewLocked() {
	v := View{ThreadID: s.visibleThread, Messages: cloneMessages(s.visible)}
	s.queue.Post(func() { s.views.Publish(v) })
}

func (s *Switcher) postInputLocked() {
	in := s.input
	s.queue.Post(func() { s.inputs.Publish(in) })
}

// stashLocked keeps msgs as threadID's off-screen collection and evicts the
// least recently used threads beyond the limit. The active thread is never
// evicted; a failed or cancelled switch restores it from here.
func (s *Switcher) stashLocked(threadID string, msgs []Message) {
	s.offscreen[threadID] = msgs
	s.touchOffscreenLocked(threadID)
	for i := 0; len(s.offscreen) > s.offscreenLimit && i < len(s.offscreenLRU); {
		id := s.offscreenLRU[i]
		if id == s.state.ActiveThreadID {
			i++
			continue
		}
		s.dropOffscreenLocked(id)
		s.log.Debug("evicted off-screen thread", zap.String("thread_id", id))
	}
}

func (s *Switcher) touchOffscreenLocked(threadID string) {
	s.offscreenLRU = slices.DeleteFunc(s.offscreenLRU, func(id string) bool { return id == threadID })
	s.offscreenLRU = append(s.offscreenLRU, threadID)
}

func (s *Switcher) dropOffscreenLocked(threadID string) {
	delete(s.offscreen, threadID)
	s.offscreenLRU = slices.DeleteFunc(s.offscreenLRU, func(id string) bool { return id == threadID })
}
