// Package relay is a development WebSocket relay backed by the sqlite
// store. Clients subscribe to one thread at a time with switch_thread;
// messages posted to a thread are persisted and broadcast to its
// subscribers, and created threads are broadcast to everyone.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/store"
	"github.com/ehrlich-b/threadline/internal/ws"
)

const (
	readLimit     = 512 * 1024
	writeTimeout  = 10 * time.Second
	shutdownGrace = 5 * time.Second
)

// Config configures a Server. Store is required.
type Config struct {
	Store *store.Store
	Token string // when set, clients must send "Authorization: Bearer <Token>"

	// RateLimit caps inbound frames per second per connection. 0 disables.
	RateLimit rate.Limit
	RateBurst int

	// EchoAgent, when set, answers every user message: agent_activated is
	// broadcast, then after EchoDelay an assistant message echoing the
	// content is stored and broadcast.
	EchoAgent string
	EchoDelay time.Duration

	Logger *zap.Logger
}

type Server struct {
	cfg   Config
	store *store.Store
	peers *Registry
	log   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// bgMu orders wg.Add against Close's cancel + Wait.
	bgMu sync.Mutex
	wg   sync.WaitGroup
}

func New(cfg Config) *Server {
	l := cfg.Logger
	if l == nil {
		l = logger.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		store:  cfg.Store,
		peers:  NewRegistry(),
		log:    l.With(zap.String("component", "relay")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Peers exposes the connection registry.
func (s *Server) Peers() *Registry { return s.peers }

// Handler routes the relay's HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /threads", s.authorized(s.handleListThreads))
	mux.HandleFunc("GET /threads/{id}", s.authorized(s.handleGetThread))
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down and closes
// every client connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info("relay listening", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		return err
	})
	return g.Wait()
}

// Close disconnects every client and waits for background work.
func (s *Server) Close() {
	s.bgMu.Lock()
	s.cancel()
	s.bgMu.Unlock()
	for _, p := range s.peers.All() {
		p.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	s.wg.Wait()
}

func (s *Server) checkToken(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.Token
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkToken(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept", zap.Error(err))
		return
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(s.cfg.RateLimit, burst)
	}
	p := newPeer(uuid.NewString(), conn, limiter)
	s.peers.Add(p)
	defer s.peers.Remove(p.ID)
	s.log.Debug("peer connected", zap.String("peer", p.ID), zap.String("remote", r.RemoteAddr))

	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return s.readLoop(gctx, p) })
	g.Go(func() error { return writeLoop(gctx, p) })
	err = g.Wait()
	s.log.Debug("peer disconnected", zap.String("peer", p.ID), zap.Error(err))
}

func (s *Server) readLoop(ctx context.Context, p *Peer) error {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return err
		}
		if p.limiter != nil && !p.limiter.Allow() {
			s.sendError(p, "", "rate limited")
			continue
		}
		s.dispatch(ctx, p, data)
	}
}

func writeLoop(ctx context.Context, p *Peer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-p.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, p *Peer, data []byte) {
	var env ws.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(p, "", "malformed envelope")
		return
	}
	switch env.Type {
	case ws.TypeSwitchThread:
		s.handleSwitch(ctx, p, env)
	case ws.TypeMessageSend:
		s.handleMessageSend(ctx, p, env)
	case ws.TypeThreadCreate:
		s.handleThreadCreate(ctx, p, env)
	case ws.TypePing:
		s.send(p, ws.TypePong, "", nil)
	default:
		s.sendError(p, env.ThreadID, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) handleSwitch(ctx context.Context, p *Peer, env ws.Envelope) {
	var req ws.SwitchThreadPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.sendError(p, env.ThreadID, "malformed switch_thread payload")
			return
		}
	}
	id := req.ThreadID
	if id == "" {
		id = env.ThreadID
	}
	if id == "" {
		s.sendError(p, "", "switch_thread needs a thread id")
		return
	}
	if _, err := s.store.GetThread(ctx, id); err != nil {
		s.sendError(p, id, err.Error())
		return
	}
	prev := p.setThread(id)
	s.log.Debug("peer switched thread", zap.String("peer", p.ID), zap.String("from", prev), zap.String("to", id))
	s.send(p, ws.TypeSwitchThread, id, ws.SwitchThreadPayload{ThreadID: id, Previous: prev})
}

func (s *Server) handleMessageSend(ctx context.Context, p *Peer, env ws.Envelope) {
	var req ws.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.sendError(p, env.ThreadID, "malformed message_send payload")
		return
	}
	threadID := env.ThreadID
	if threadID == "" {
		threadID = p.Thread()
	}
	if threadID == "" || strings.TrimSpace(req.Content) == "" {
		s.sendError(p, threadID, "message_send needs a thread and content")
		return
	}
	role := req.Role
	if role == "" {
		role = "user"
	}
	m := &store.Message{ThreadID: threadID, ClientID: req.ClientID, Role: role, Content: req.Content}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		s.log.Warn("append message", zap.String("thread_id", threadID), zap.Error(err))
		s.sendError(p, threadID, err.Error())
		return
	}
	s.broadcastMessage(m, p)

	if s.cfg.EchoAgent != "" && role == "user" {
		s.spawn(func() { s.echo(threadID, req.Content) })
	}
}

// spawn runs fn in the background unless the server is closing. Close
// waits for every spawned fn.
func (s *Server) spawn(fn func()) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

func (s *Server) handleThreadCreate(ctx context.Context, p *Peer, env ws.Envelope) {
	var req ws.ThreadCreatePayload
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		s.sendError(p, "", "malformed thread_create payload")
		return
	}
	t := &store.Thread{ClientID: req.ClientID, Title: req.Title}
	if err := s.store.CreateThread(ctx, t); err != nil {
		s.log.Warn("create thread", zap.Error(err))
		s.sendError(p, "", err.Error())
		return
	}
	data, err := encode(ws.TypeThreadCreated, t.ID, threadInfo(t))
	if err != nil {
		s.log.Error("encode thread_created", zap.Error(err))
		return
	}
	for _, peer := range s.peers.All() {
		s.deliver(peer, data)
	}
}

func (s *Server) echo(threadID, content string) {
	agent := s.cfg.EchoAgent
	data, err := encode(ws.TypeAgentActivated, threadID, ws.AgentActivatedPayload{Agent: agent})
	if err == nil {
		for _, peer := range s.peers.Subscribers(threadID) {
			s.deliver(peer, data)
		}
	}

	if s.cfg.EchoDelay > 0 {
		t := time.NewTimer(s.cfg.EchoDelay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
	}
	m := &store.Message{ThreadID: threadID, Role: "assistant", Content: agent + ": " + content}
	if err := s.store.AppendMessage(s.ctx, m); err != nil {
		s.log.Warn("append echo", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	s.broadcastMessage(m, nil)
}

// broadcastMessage sends message_received to the thread's subscribers and
// to origin, which needs the echo to reconcile even if it has switched away.
func (s *Server) broadcastMessage(m *store.Message, origin *Peer) {
	data, err := encode(ws.TypeMessageReceived, m.ThreadID, messageInfo(m))
	if err != nil {
		s.log.Error("encode message_received", zap.Error(err))
		return
	}
	sentOrigin := false
	for _, peer := range s.peers.Subscribers(m.ThreadID) {
		if peer == origin {
			sentOrigin = true
		}
		s.deliver(peer, data)
	}
	if origin != nil && !sentOrigin {
		s.deliver(origin, data)
	}
}

func (s *Server) send(p *Peer, typ, threadID string, payload any) {
	data, err := encode(typ, threadID, payload)
	if err != nil {
		s.log.Error("encode", zap.String("type", typ), zap.Error(err))
		return
	}
	s.deliver(p, data)
}

func (s *Server) sendError(p *Peer, threadID, msg string) {
	s.send(p, ws.TypeError, threadID, ws.ErrorPayload{Message: msg})
}

// deliver queues data for p. A peer that cannot keep up is disconnected;
// its client reconnects and resubscribes.
func (s *Server) deliver(p *Peer, data []byte) {
	if !p.push(data) {
		s.log.Warn("peer queue full, closing", zap.String("peer", p.ID))
		go p.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	}
}

func encode(typ, threadID string, payload any) ([]byte, error) {
	env, err := ws.NewEnvelope(typ, threadID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func threadInfo(t *store.Thread) ws.ThreadInfo {
	return ws.ThreadInfo{ID: t.ID, Title: t.Title, ClientID: t.ClientID, CreatedAt: t.CreatedAt}
}

func messageInfo(m *store.Message) ws.MessageInfo {
	return ws.MessageInfo{ID: m.ID, ClientID: m.ClientID, Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
}
