package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		defer conn.CloseNow()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketPingPong(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		ctx := context.Background()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Type != TypePing {
				continue
			}
			reply, _ := NewEnvelope(TypePong, "", nil)
			out, _ := json.Marshal(reply)
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	})

	c := NewClient(wsURL(srv), Options{Transport: &WebSocketTransport{Token: "test-token"}})
	defer c.Close()

	pongs := make(chan Event, 1)
	c.Handle(TypePong, func(e Event) { pongs <- e })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after connect = %v, want connected", c.State())
	}
	if err := c.SendJSON(ctx, TypePing, "", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case <-pongs:
	case <-ctx.Done():
		t.Fatal("no pong")
	}
}

func TestWebSocketReconnectAfterServerClose(t *testing.T) {
	conns := make(chan int32, 4)
	var count atomic.Int32
	srv := newTestServer(t, func(conn *websocket.Conn) {
		n := count.Add(1)
		conns <- n
		if n == 1 {
			// First connection: close immediately to trigger reconnect
			conn.Close(websocket.StatusGoingAway, "test disconnect")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn.Read(ctx)
	})

	c := NewClient(wsURL(srv), Options{
		Transport: &WebSocketTransport{Token: "test-token"},
		Policy:    ReconnectPolicy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, Multiplier: 2},
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for want := int32(1); want <= 2; want++ {
		select {
		case got := <-conns:
			if got != want {
				t.Fatalf("connection #%d, want #%d", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("connection #%d never arrived", want)
		}
	}
	waitFor(t, "connected again", func() bool { return c.State() == StateConnected })
}

func TestWebSocketAuthRejected(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {})

	c := NewClient(wsURL(srv), Options{Transport: &WebSocketTransport{Token: "wrong"}})
	defer c.Close()

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Connect error = %v, want ErrAuthRejected", err)
	}
	if c.State() != StateErrored {
		t.Errorf("state = %v, want errored", c.State())
	}
}
