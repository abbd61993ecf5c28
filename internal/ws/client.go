package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/notify"
)

const defaultWriteTimeout = 10 * time.Second

// State is the connection state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is delivered to OnState observers.
type StateChange struct {
	From State
	To   State
	Err  error
}

// Options configure a Client. Zero values select defaults.
type Options struct {
	Transport    Transport
	Policy       ReconnectPolicy
	BufferSize   int
	Overflow     OverflowPolicy
	WriteTimeout time.Duration
	Heartbeat    time.Duration // 0 disables pings
	SendRate     rate.Limit    // outbound frames per second, 0 is unlimited
	SendBurst    int
	Logger       *zap.Logger
	Rand         func() float64 // jitter source, defaults to math/rand/v2
}

// Client keeps one logical connection to the relay alive. Messages sent
// while the connection is down are buffered and flushed in order on the next
// open. Unexpected drops are retried according to the ReconnectPolicy.
//
// Observers (OnState, OnEvent, Handle, OnError) are called one at a time on
// the client's notification goroutine, never while the client holds a lock,
// so they may call back into the client.
type Client struct {
	url          string
	transport    Transport
	writeTimeout time.Duration
	heartbeat    time.Duration
	limiter      *rate.Limiter
	rand         func() float64
	log          *zap.Logger

	// writeMu serializes every frame written to the transport, including the
	// reconnect flush. Lock order: writeMu before mu.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	lastErr    error
	backoff    *Backoff
	outbox     *Buffer
	outboxGen  uint64 // bumped when Disconnect discards the buffer
	conn       Conn
	epoch      uint64
	thread     string // last thread passed to SubscribeThread
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	closed     bool
	wg         sync.WaitGroup

	queue    *notify.Queue
	states   notify.Hub[StateChange]
	events   notify.Hub[Event]
	errs     notify.Hub[error]
	hmu      sync.Mutex
	handlers map[string]*notify.Hub[Event]
}

// NewClient creates a disconnected client for url. Call Close when done.
func NewClient(url string, opts Options) *Client {
	policy := opts.Policy
	if policy.Base == 0 {
		policy = DefaultPolicy()
	}
	transport := opts.Transport
	if transport == nil {
		transport = &WebSocketTransport{}
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	l := opts.Logger
	if l == nil {
		l = logger.L()
	}
	var limiter *rate.Limiter
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.SendRate, burst)
	}

	return &Client{
		url:          url,
		transport:    transport,
		writeTimeout: wt,
		heartbeat:    opts.Heartbeat,
		limiter:      limiter,
		rand:         rnd,
		log:          l.With(zap.String("component", "ws"), zap.String("url", url)),
		backoff:      NewBackoff(policy, rnd),
		outbox:       NewBuffer(opts.BufferSize, opts.Overflow),
		queue:        notify.NewQueue(),
		handlers:     make(map[string]*notify.Hub[Event]),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error attached to the last state transition, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Attempt returns the number of reconnect attempts since the last successful open.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Attempt()
}

// Buffered returns the number of messages waiting for a connection.
func (c *Client) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbox.Len()
}

// Policy returns the reconnect policy in effect.
func (c *Client) Policy() ReconnectPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Policy
}

// SetPolicy replaces the reconnect policy. It applies from the next attempt;
// the attempt counter is kept.
func (c *Client) SetPolicy(p ReconnectPolicy) {
	c.mu.Lock()
	c.backoff.Policy = p
	c.mu.Unlock()
}

// OnState registers an observer for state transitions.
func (c *Client) OnState(fn func(StateChange)) (unsubscribe func()) {
	return c.states.Subscribe(fn)
}

// OnEvent registers an observer for every inbound event and for Ready.
func (c *Client) OnEvent(fn func(Event)) (unsubscribe func()) {
	return c.events.Subscribe(fn)
}

// Handle registers an observer for events of one type (see the Type* constants).
func (c *Client) Handle(typ string, fn func(Event)) (unsubscribe func()) {
	c.hmu.Lock()
	h, ok := c.handlers[typ]
	if !ok {
		h = &notify.Hub[Event]{}
		c.handlers[typ] = h
	}
	c.hmu.Unlock()
	return h.Subscribe(fn)
}

// OnError registers an observer for recoverable errors: *ParseError and
// ErrBufferOverflow.
func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.errs.Subscribe(fn)
}

// Sync blocks until every notification queued so far has been delivered.
func (c *Client) Sync() {
	c.queue.Flush()
}

// Connect opens the connection. It is a no-op while a connection is open or
// being opened (including a running reconnect loop). If the first dial
// fails the client moves to Reconnecting and keeps retrying in the
// background; the dial error is still returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	if c.lifeCancel == nil {
		c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	}
	c.epoch++
	epoch := c.epoch
	c.backoff.Reset()
	change := c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.publishState(change)

	conn, err := c.transport.Open(ctx, c.url)
	if err != nil {
		cerr := &ConnectionError{Op: "dial", URL: c.url, Err: err}
		if errors.Is(err, ErrAuthRejected) {
			c.fail(epoch, cerr)
		} else {
			c.lost(epoch, nil, cerr)
		}
		return cerr
	}
	if !c.install(epoch, conn, false) {
		conn.Close()
		return ErrAborted
	}
	return nil
}

// Send transmits env if the connection is open and buffers it otherwise.
// Transport failures are never returned: the message is buffered again and
// the reconnect path takes over. The only errors are encoding failures,
// ErrBufferOverflow, ErrClosed, and ctx expiring while waiting on the send
// rate limit.
func (c *Client) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.conn == nil {
		err := c.outbox.Push(data)
		c.mu.Unlock()
		if err != nil {
			c.reportError(err)
		}
		return err
	}
	conn, epoch, life := c.conn, c.epoch, c.lifeCtx
	c.mu.Unlock()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := c.write(life, conn, data); err != nil {
		c.mu.Lock()
		perr := c.outbox.Push(data)
		c.mu.Unlock()
		c.lost(epoch, conn, &ConnectionError{Op: "write", URL: c.url, Err: err})
		if perr != nil {
			c.reportError(perr)
		}
		return perr
	}
	return nil
}

// SendJSON builds an envelope for payload and sends it.
func (c *Client) SendJSON(ctx context.Context, typ, threadID string, payload any) error {
	env, err := NewEnvelope(typ, threadID, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

// SubscribeThread sends a single switch_thread control message moving the
// relay subscription to threadID, and remembers the thread so the
// subscription is restored after a reconnect.
func (c *Client) SubscribeThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	prev := c.thread
	c.thread = threadID
	c.mu.Unlock()
	return c.SendJSON(ctx, TypeSwitchThread, threadID, SwitchThreadPayload{ThreadID: threadID, Previous: prev})
}

// Thread returns the thread last passed to SubscribeThread.
func (c *Client) Thread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thread
}

// Disconnect tears the connection down on purpose: retries stop, the thread
// subscription is forgotten, and messages buffered before the call are
// discarded. Messages sent afterwards are buffered for the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	if c.lifeCancel != nil {
		c.lifeCancel()
		c.lifeCancel = nil
	}
	conn := c.conn
	c.conn = nil
	if n := c.outbox.Len(); n > 0 {
		c.log.Debug("discarding buffered messages on disconnect", zap.Int("count", n))
	}
	c.outbox.Reset()
	c.outboxGen++
	c.thread = ""
	c.backoff.Reset()
	change := c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.publishState(change)
}

// Close disconnects, waits for the client's goroutines to exit, delivers
// pending notifications and drops every observer.
func (c *Client) Close() error {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
	c.queue.Close()

	c.states.Clear()
	c.events.Clear()
	c.errs.Clear()
	c.hmu.Lock()
	c.handlers = make(map[string]*notify.Hub[Event])
	c.hmu.Unlock()
	return nil
}

// install makes conn the live connection for epoch, flushes the buffer and
// emits Ready. It returns false if epoch was superseded while dialing.
func (c *Client) install(epoch uint64, conn Conn, reconnect bool) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.backoff.Reset()
	change := c.setStateLocked(StateConnected, nil)
	thread := c.thread
	resubscribe := reconnect && thread != "" && !c.outbox.Any(isSwitchThread)
	life := c.lifeCtx
	c.wg.Add(1)
	go c.readLoop(life, epoch, conn)
	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop(life, epoch)
	}
	c.mu.Unlock()
	c.publishState(change)
	c.log.Info("connected", zap.Bool("reconnect", reconnect))

	if resubscribe {
		env, _ := NewEnvelope(TypeSwitchThread, thread, SwitchThreadPayload{ThreadID: thread})
		data, _ := json.Marshal(env)
		if err := c.write(life, conn, data); err != nil {
			c.lost(epoch, conn, &ConnectionError{Op: "write", URL: c.url, Err: err})
			return true
		}
	}

	flushed := 0
	for {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return true
		}
		data, ok := c.outbox.Peek()
		gen := c.outboxGen
		c.mu.Unlock()
		if !ok {
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(life); err != nil {
				return true
			}
		}
		if err := c.write(life, conn, data); err != nil {
			c.lost(epoch, conn, &ConnectionError{Op: "write", URL: c.url, Err: err})
			return true
		}
		// The transport took the frame, so it leaves the buffer even if
		// the connection was lost meanwhile. Only a Disconnect reset
		// means the head is no longer this frame.
		c.mu.Lock()
		if c.outboxGen == gen {
			c.outbox.Pop()
		}
		c.mu.Unlock()
		flushed++
	}
	if flushed > 0 {
		c.log.Debug("flushed outbound buffer", zap.Int("count", flushed))
	}
	c.emit(Ready{Reconnect: reconnect, Flushed: flushed})
	return true
}

// lost handles an unexpected failure of epoch's connection (conn may be nil
// when the dial itself failed): it moves to Reconnecting and starts the
// retry loop. Failures of superseded epochs are ignored.
func (c *Client) lost(epoch uint64, conn Conn, cause error) {
	if conn != nil {
		conn.Close()
	}
	c.mu.Lock()
	if c.epoch != epoch || c.closed || c.lifeCancel == nil {
		c.mu.Unlock()
		return
	}
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.epoch++
	next := c.epoch
	change := c.setStateLocked(StateReconnecting, cause)
	life := c.lifeCtx
	c.wg.Add(1)
	go c.reconnectLoop(life, next)
	c.mu.Unlock()

	c.log.Warn("connection lost, reconnecting", zap.Error(cause))
	c.publishState(change)
}

// fail settles into Errored; only an explicit Connect resumes.
func (c *Client) fail(epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.conn = nil
	change := c.setStateLocked(StateErrored, cause)
	c.mu.Unlock()

	c.log.Error("connection failed, giving up", zap.Error(cause))
	c.publishState(change)
}

func (c *Client) reconnectLoop(ctx context.Context, epoch uint64) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			return
		}
		if c.backoff.Exhausted() {
			cause := c.lastErr
			c.mu.Unlock()
			c.fail(epoch, fmt.Errorf("gave up after %d reconnect attempts: %w", c.Attempt(), cause))
			return
		}
		delay := c.backoff.Next()
		attempt := c.backoff.Attempt()
		c.mu.Unlock()

		c.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.transport.Open(ctx, c.url)
		if err != nil {
			cerr := &ConnectionError{Op: "dial", URL: c.url, Err: err}
			if errors.Is(err, ErrAuthRejected) {
				c.fail(epoch, cerr)
				return
			}
			c.mu.Lock()
			if c.epoch == epoch {
				c.lastErr = cerr
			}
			c.mu.Unlock()
			c.log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !c.install(epoch, conn, true) {
			conn.Close()
		}
		return
	}
}

func (c *Client) readLoop(ctx context.Context, epoch uint64, conn Conn) {
	defer c.wg.Done()
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			c.lost(epoch, conn, &ConnectionError{Op: "read", URL: c.url, Err: err})
			return
		}
		ev, err := Decode(data)
		if err != nil {
			c.log.Warn("bad message", zap.Error(err))
			c.reportError(err)
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, epoch uint64) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.writeMu.Lock()
		c.mu.Lock()
		if c.epoch != epoch {
			c.mu.Unlock()
			c.writeMu.Unlock()
			return
		}
		conn := c.conn
		c.mu.Unlock()
		env, _ := NewEnvelope(TypePing, "", nil)
		data, _ := json.Marshal(env)
		err := c.write(ctx, conn, data)
		c.writeMu.Unlock()
		if err != nil {
			c.lost(epoch, conn, &ConnectionError{Op: "write", URL: c.url, Err: err})
			return
		}
	}
}

func (c *Client) write(ctx context.Context, conn Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return conn.Send(wctx, data)
}

// setStateLocked records a transition. c.mu must be held.
func (c *Client) setStateLocked(to State, err error) StateChange {
	ch := StateChange{From: c.state, To: to, Err: err}
	c.state = to
	c.lastErr = err
	return ch
}

func (c *Client) publishState(ch StateChange) {
	if ch.From == ch.To && ch.Err == nil {
		return
	}
	c.queue.Post(func() { c.states.Publish(ch) })
}

func (c *Client) emit(ev Event) {
	typ := ev.EventType()
	c.queue.Post(func() {
		c.events.Publish(ev)
		c.hmu.Lock()
		h := c.handlers[typ]
		c.hmu.Unlock()
		if h != nil {
			h.Publish(ev)
		}
	})
}

func (c *Client) reportError(err error) {
	c.queue.Post(func() { c.errs.Publish(err) })
}

func isSwitchThread(data []byte) bool {
	return bytes.Contains(data, []byte(`"type":"`+TypeSwitchThread+`"`))
}
