package ws

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferOverflow is returned by Send when the outbound buffer is full.
	// Under DropOldest the new message was queued and the oldest one dropped;
	// under RejectNewest the new message was not queued.
	ErrBufferOverflow = errors.New("outbound buffer full")

	// ErrAuthRejected is returned when the relay rejects the WebSocket handshake with 401.
	ErrAuthRejected = errors.New("relay rejected authentication (401)")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("client closed")

	// ErrAborted is returned by Connect when Disconnect ran while the dial was in flight.
	ErrAborted = errors.New("connect aborted by disconnect")

	// ErrUnknownType marks a ParseError for a message type this client does not handle.
	ErrUnknownType = errors.New("unknown message type")
)

// ConnectionError reports a transport open, read or write failure. It is
// surfaced through state changes, never returned from Send.
type ConnectionError struct {
	Op  string // "dial", "read", "write"
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame that could not be decoded. The
// connection stays up.
type ParseError struct {
	Type string
	Raw  []byte
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("parse inbound message: %v", e.Err)
	}
	return fmt.Sprintf("parse inbound %s: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
