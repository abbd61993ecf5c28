package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errFakeDial = errors.New("fake dial refused")

// fakeTransport is an in-memory Transport. Dials fail while failDials > 0
// (or forever when refuse is set).
type fakeTransport struct {
	mu        sync.Mutex
	failDials int
	refuse    bool
	dialErr   error
	opens     int
	conns     []*fakeConn

	// onSend runs after a frame is accepted, outside the conn lock.
	onSend func(c *fakeConn, data []byte)
}

func (f *fakeTransport) Open(ctx context.Context, url string) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.refuse || f.failDials > 0 {
		if f.failDials > 0 {
			f.failDials--
		}
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return nil, errFakeDial
	}
	c := &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{}), onSend: f.onSend}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) setRefuse(v bool) {
	f.mu.Lock()
	f.refuse = v
	f.mu.Unlock()
}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	onSend   func(c *fakeConn, data []byte)
}

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("fake conn closed")
	default:
	}
	c.mu.Lock()
	if c.failSend {
		c.mu.Unlock()
		return errors.New("fake write failure")
	}
	c.sent = append(c.sent, data)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(c, data)
	}
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errors.New("fake conn closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server side going away.
func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) setFailSend(v bool) {
	c.mu.Lock()
	c.failSend = v
	c.mu.Unlock()
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func newFakeClient(t *testing.T, ft *fakeTransport, opts Options) *Client {
	t.Helper()
	opts.Transport = ft
	if opts.Policy.Base == 0 {
		opts.Policy = fastPolicy()
	}
	c := NewClient("ws://fake/ws", opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
