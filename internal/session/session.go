// Package session wires the connection, the thread switcher, and the
// optimistic engines into one chat session.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/notify"
	"github.com/ehrlich-b/threadline/internal/optimistic"
	"github.com/ehrlich-b/threadline/internal/thread"
	"github.com/ehrlich-b/threadline/internal/ws"
)

var (
	ErrEmptyMessage = errors.New("nothing to send")
	ErrNoThread     = errors.New("no active thread")
)

// ThreadLister lists the threads known to the backend. *relay.HTTPLoader
// implements it.
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]ws.ThreadInfo, error)
}

// Config wires a Session. Client and Loader are required.
type Config struct {
	Client *ws.Client
	Loader thread.Loader
	Lister ThreadLister
	Drafts *thread.Drafts
	Router thread.Router
	Switch thread.Options // defaults applied to every SwitchTo
	Logger *zap.Logger

	LoadTimeout   time.Duration
	CommitTimeout time.Duration
}

// Session is one user's view of the chat: the thread list, the active
// thread's messages and draft, and the connection carrying both.
type Session struct {
	client   *ws.Client
	switcher *thread.Switcher
	lister   ThreadLister
	defaults thread.Options
	log      *zap.Logger

	threads   *optimistic.List[ws.ThreadInfo]
	threadOps *optimistic.Engine[ws.ThreadInfo]
	messages  *optimistic.Engine[thread.Message]

	mu             sync.Mutex
	messageWaiters map[string]chan ws.MessageInfo
	threadWaiters  map[string]chan ws.ThreadInfo

	errs   notify.Hub[error]
	unsubs []func()
}

// New builds a session. It registers inbound handlers on cfg.Client but
// does not connect; call Start.
func New(cfg Config) *Session {
	l := cfg.Logger
	if l == nil {
		l = logger.L()
	}
	s := &Session{
		client:         cfg.Client,
		lister:         cfg.Lister,
		defaults:       cfg.Switch,
		log:            l.With(zap.String("component", "session")),
		threads:        optimistic.NewList[ws.ThreadInfo](nil),
		messageWaiters: make(map[string]chan ws.MessageInfo),
		threadWaiters:  make(map[string]chan ws.ThreadInfo),
	}
	s.switcher = thread.NewSwitcher(thread.Config{
		Loader:      cfg.Loader,
		Router:      cfg.Router,
		Subscriber:  cfg.Client,
		Drafts:      cfg.Drafts,
		LoadTimeout: cfg.LoadTimeout,
		Logger:      l,
	})
	s.threadOps = optimistic.New(optimistic.Config[ws.ThreadInfo]{
		Store:         s.threads,
		ID:            func(t ws.ThreadInfo) string { return t.ID },
		SetID:         func(t ws.ThreadInfo, id string) ws.ThreadInfo { t.ID = id; return t },
		CommitTimeout: cfg.CommitTimeout,
		Logger:        l,
	})
	s.messages = optimistic.New(optimistic.Config[thread.Message]{
		Store:         messageScopes{s.switcher},
		ID:            func(m thread.Message) string { return m.ID },
		SetID:         func(m thread.Message, id string) thread.Message { m.ID = id; return m },
		CommitTimeout: cfg.CommitTimeout,
		Logger:        l,
	})

	s.unsubs = append(s.unsubs,
		s.client.Handle(ws.TypeMessageReceived, func(ev ws.Event) { s.onMessage(ev.(ws.MessageReceived)) }),
		s.client.Handle(ws.TypeThreadCreated, func(ev ws.Event) { s.onThreadCreated(ev.(ws.ThreadCreated)) }),
		s.client.Handle(ws.TypeAgentActivated, func(ev ws.Event) { s.onAgentActivated(ev.(ws.AgentActivated)) }),
		s.client.Handle(ws.TypeError, func(ev ws.Event) { s.onServerError(ev.(ws.ServerError)) }),
		s.client.OnError(func(err error) { s.errs.Publish(err) }),
		s.switcher.OnCommit(func(string) { s.switcher.SetProcessing(false) }),
	)
	return s
}

// Start connects and loads the thread list. A failed first dial is
// reported but the client keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	connErr := s.client.Connect(ctx)
	if connErr != nil {
		s.log.Warn("connect", zap.Error(connErr))
	}
	if err := s.RefreshThreads(ctx); err != nil {
		return err
	}
	return connErr
}

// RefreshThreads replaces the thread list with the backend's.
func (s *Session) RefreshThreads(ctx context.Context) error {
	if s.lister == nil {
		return nil
	}
	list, err := s.lister.ListThreads(ctx)
	if err != nil {
		return err
	}
	s.threads.Set(list)
	return nil
}

// SwitchTo makes threadID active using the configured switch defaults.
func (s *Session) SwitchTo(ctx context.Context, threadID string) error {
	return s.switcher.SwitchTo(ctx, threadID, s.defaults)
}

// SwitchWith makes threadID active with explicit options.
func (s *Session) SwitchWith(ctx context.Context, threadID string, opts thread.Options) error {
	return s.switcher.SwitchTo(ctx, threadID, opts)
}

func (s *Session) Cancel() { s.switcher.Cancel() }

func (s *Session) Retry(ctx context.Context) error { return s.switcher.Retry(ctx) }

// SendMessage posts the current input to the active thread. The message is
// shown at once under a temporary id and confirmed by the relay's echo; on
// failure it is removed and the text is put back as the thread's draft.
func (s *Session) SendMessage(ctx context.Context) (thread.Message, error) {
	text := s.switcher.Input()
	if strings.TrimSpace(text) == "" {
		return thread.Message{}, ErrEmptyMessage
	}
	threadID := s.switcher.ActiveThreadID()
	if threadID == "" {
		return thread.Message{}, ErrNoThread
	}
	s.switcher.SetInput("")

	local := thread.Message{ThreadID: threadID, Role: "user", Content: text, Timestamp: time.Now().UTC()}
	saved, err := s.messages.AddIn(ctx, threadID, local, func(ctx context.Context, m thread.Message) (thread.Message, error) {
		ch := s.waitMessage(m.ID)
		defer s.dropMessageWaiter(m.ID)
		err := s.client.SendJSON(ctx, ws.TypeMessageSend, threadID, ws.MessageSendPayload{
			ClientID: m.ID,
			Role:     m.Role,
			Content:  m.Content,
		})
		if err != nil {
			return thread.Message{}, err
		}
		select {
		case info := <-ch:
			return toMessage(threadID, info), nil
		case <-ctx.Done():
			return thread.Message{}, ctx.Err()
		}
	})
	if err != nil {
		if s.switcher.ActiveThreadID() == threadID && s.switcher.Input() == "" {
			s.switcher.SetInput(text)
		}
		return thread.Message{}, err
	}
	return saved, nil
}

// CreateThread creates a thread optimistically. It appears in the thread
// list at once and is replaced by the relay's entity when confirmed.
func (s *Session) CreateThread(ctx context.Context, title string) (ws.ThreadInfo, error) {
	local := ws.ThreadInfo{Title: title, CreatedAt: time.Now().UTC()}
	return s.threadOps.Add(ctx, local, func(ctx context.Context, t ws.ThreadInfo) (ws.ThreadInfo, error) {
		ch := s.waitThread(t.ID)
		defer s.dropThreadWaiter(t.ID)
		if err := s.client.SendJSON(ctx, ws.TypeThreadCreate, "", ws.ThreadCreatePayload{ClientID: t.ID, Title: t.Title}); err != nil {
			return ws.ThreadInfo{}, err
		}
		select {
		case info := <-ch:
			return info, nil
		case <-ctx.Done():
			return ws.ThreadInfo{}, ctx.Err()
		}
	})
}

func (s *Session) SetInput(text string) { s.switcher.SetInput(text) }
func (s *Session) Input() string        { return s.switcher.Input() }

func (s *Session) Threads() []ws.ThreadInfo   { return s.threads.Items() }
func (s *Session) Messages() thread.View      { return s.switcher.Messages() }
func (s *Session) State() thread.State        { return s.switcher.State() }
func (s *Session) Connection() ws.State       { return s.client.State() }
func (s *Session) Processing() bool           { return s.switcher.Processing() }
func (s *Session) Switcher() *thread.Switcher { return s.switcher }
func (s *Session) Client() *ws.Client         { return s.client }

// IsPending reports whether id names a message or thread awaiting
// confirmation.
func (s *Session) IsPending(id string) bool {
	return s.messages.IsPending(id) || s.threadOps.IsPending(id)
}

// OnThreads registers an observer for thread list changes.
func (s *Session) OnThreads(fn func([]ws.ThreadInfo)) (unsubscribe func()) {
	return s.threads.OnChange(fn)
}

// OnError registers an observer for connection, protocol, and relay errors.
func (s *Session) OnError(fn func(error)) (unsubscribe func()) {
	return s.errs.Subscribe(fn)
}

// Sync waits until every notification queued so far has been delivered.
func (s *Session) Sync() {
	s.client.Sync()
	s.switcher.Sync()
	s.threads.Sync()
}

// Close stops the session and its connection.
func (s *Session) Close() error {
	for _, u := range s.unsubs {
		u()
	}
	err := s.client.Close()
	s.switcher.Close()
	s.threads.Close()
	return err
}

func (s *Session) onMessage(ev ws.MessageReceived) {
	if id := ev.Message.ClientID; id != "" {
		s.mu.Lock()
		ch, ok := s.messageWaiters[id]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- ev.Message:
			default:
			}
			return
		}
	}

	msg := toMessage(ev.ThreadID, ev.Message)
	held := s.switcher.MutateMessages(ev.ThreadID, func(items []thread.Message) []thread.Message {
		for i := range items {
			if items[i].ID == msg.ID || (ev.Message.ClientID != "" && items[i].ID == ev.Message.ClientID) {
				items[i] = msg
				return items
			}
		}
		return append(items, msg)
	})
	if !held {
		s.log.Debug("message for thread not held", zap.String("thread_id", ev.ThreadID), zap.String("id", msg.ID))
	}
	if msg.Role == "assistant" && ev.ThreadID == s.switcher.ActiveThreadID() {
		s.switcher.SetProcessing(false)
	}
}

func (s *Session) onThreadCreated(ev ws.ThreadCreated) {
	if id := ev.Thread.ClientID; id != "" {
		s.mu.Lock()
		ch, ok := s.threadWaiters[id]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- ev.Thread:
			default:
			}
			return
		}
	}
	s.threads.Mutate("", func(items []ws.ThreadInfo) []ws.ThreadInfo {
		for _, t := range items {
			if t.ID == ev.Thread.ID {
				return items
			}
		}
		return append(items, ev.Thread)
	})
}

func (s *Session) onAgentActivated(ev ws.AgentActivated) {
	if ev.ThreadID == "" || ev.ThreadID == s.switcher.ActiveThreadID() {
		s.log.Debug("agent activated", zap.String("thread_id", ev.ThreadID), zap.String("agent", ev.Agent))
		s.switcher.SetProcessing(true)
	}
}

func (s *Session) onServerError(ev ws.ServerError) {
	s.log.Warn("relay error", zap.String("thread_id", ev.ThreadID), zap.String("message", ev.Message))
	s.errs.Publish(&RelayError{ThreadID: ev.ThreadID, Message: ev.Message})
}

func (s *Session) waitMessage(clientID string) chan ws.MessageInfo {
	ch := make(chan ws.MessageInfo, 1)
	s.mu.Lock()
	s.messageWaiters[clientID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) dropMessageWaiter(clientID string) {
	s.mu.Lock()
	delete(s.messageWaiters, clientID)
	s.mu.Unlock()
}

func (s *Session) waitThread(clientID string) chan ws.ThreadInfo {
	ch := make(chan ws.ThreadInfo, 1)
	s.mu.Lock()
	s.threadWaiters[clientID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) dropThreadWaiter(clientID string) {
	s.mu.Lock()
	delete(s.threadWaiters, clientID)
	s.mu.Unlock()
}

// RelayError is an error frame sent by the relay.
type RelayError struct {
	ThreadID string
	Message  string
}

func (e *RelayError) Error() string {
	if e.ThreadID == "" {
		return "relay: " + e.Message
	}
	return "relay: thread " + e.ThreadID + ": " + e.Message
}

// messageScopes exposes the switcher's per-thread collections to the
// optimistic engine.
type messageScopes struct {
	sw *thread.Switcher
}

func (m messageScopes) ActiveScope() string { return m.sw.ActiveThreadID() }

func (m messageScopes) Mutate(scope string, fn func([]thread.Message) []thread.Message) bool {
	return m.sw.MutateMessages(scope, fn)
}

func toMessage(threadID string, m ws.MessageInfo) thread.Message {
	return thread.Message{
		ID:        m.ID,
		ThreadID:  threadID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}
