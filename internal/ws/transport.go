package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

const defaultReadLimit = 512 * 1024 // 512KB, same as the relay

// Transport opens connections to the relay. The Client depends only on this
// shape so tests can substitute an in-memory transport.
type Transport interface {
	Open(ctx context.Context, url string) (Conn, error)
}

// Conn is one open duplex connection. Receive blocks until a frame arrives
// or the connection fails; Close unblocks a pending Receive.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// WebSocketTransport dials the relay with github.com/coder/websocket.
type WebSocketTransport struct {
	Token      string // device auth token, sent as a bearer header
	ReadLimit  int64
	HTTPClient *http.Client
}

func (t *WebSocketTransport) Open(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(http.Header),
		HTTPClient: t.HTTPClient,
	}
	if t.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+t.Token)
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrAuthRejected
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	limit := t.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Close() error {
	return c.conn.CloseNow()
}
