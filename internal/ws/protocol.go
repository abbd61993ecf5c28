package ws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in Envelope.Type.
const (
	// Client → Relay
	TypeSwitchThread = "switch_thread" // also echoed back by the relay as an ack
	TypeMessageSend  = "message_send"
	TypeThreadCreate = "thread_create"
	TypePing         = "ping"

	// Relay → Client
	TypeThreadCreated   = "thread_created"
	TypeMessageReceived = "message_received"
	TypeAgentActivated  = "agent_activated"
	TypePong            = "pong"
	TypeError           = "error"

	// Local only, never on the wire
	TypeReady = "ready"
)

// Envelope wraps every WebSocket message with a type field for routing.
type Envelope struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into an envelope stamped with the current time.
// A nil payload is sent as an empty object.
func NewEnvelope(typ, threadID string, payload any) (Envelope, error) {
	raw := json.RawMessage(`{}`)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		raw = b
	}
	return Envelope{
		Type:      typ,
		ThreadID:  threadID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// SwitchThreadPayload moves the connection's subscription to ThreadID.
type SwitchThreadPayload struct {
	ThreadID string `json:"thread_id"`
	Previous string `json:"previous_thread_id,omitempty"`
}

// MessageSendPayload posts a message to a thread. ClientID is echoed back in
// the resulting message_received so the sender can reconcile its optimistic copy.
type MessageSendPayload struct {
	ClientID string `json:"client_id,omitempty"`
	Role     string `json:"role"`
	Content  string `json:"content"`
}

// ThreadCreatePayload asks the relay to create a thread.
type ThreadCreatePayload struct {
	ClientID string `json:"client_id,omitempty"`
	Title    string `json:"title"`
}

// ThreadInfo describes a thread as the relay reports it.
type ThreadInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageInfo describes one message in a thread.
type MessageInfo struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentActivatedPayload reports that an agent started working on a thread.
type AgentActivatedPayload struct {
	Agent string `json:"agent"`
}

// ErrorPayload is sent by the relay for protocol errors.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is an inbound message decoded into its concrete type. The set of
// implementations is closed: ThreadCreated, MessageReceived, AgentActivated,
// ThreadSwitched, Pong, ServerError and the local Ready.
type Event interface {
	EventType() string
	isEvent()
}

// ThreadCreated is decoded from thread_created.
type ThreadCreated struct {
	At     time.Time
	Thread ThreadInfo
}

// MessageReceived is decoded from message_received.
type MessageReceived struct {
	ThreadID string
	At       time.Time
	Message  MessageInfo
}

// AgentActivated is decoded from agent_activated.
type AgentActivated struct {
	ThreadID string
	At       time.Time
	Agent    string
}

// ThreadSwitched is the relay's ack of a switch_thread.
type ThreadSwitched struct {
	ThreadID string
	At       time.Time
}

// Pong answers a heartbeat ping.
type Pong struct {
	At time.Time
}

// ServerError is decoded from error.
type ServerError struct {
	ThreadID string
	At       time.Time
	Message  string
}

// Ready is emitted locally after a connection opens and the outbound buffer
// has been flushed.
type Ready struct {
	Reconnect bool
	Flushed   int
}

func (ThreadCreated) EventType() string   { return TypeThreadCreated }
func (MessageReceived) EventType() string { return TypeMessageReceived }
func (AgentActivated) EventType() string  { return TypeAgentActivated }
func (ThreadSwitched) EventType() string  { return TypeSwitchThread }
func (Pong) EventType() string            { return TypePong }
func (ServerError) EventType() string     { return TypeError }
func (Ready) EventType() string           { return TypeReady }

func (ThreadCreated) isEvent()   {}
func (MessageReceived) isEvent() {}
func (AgentActivated) isEvent()  {}
func (ThreadSwitched) isEvent()  {}
func (Pong) isEvent()            {}
func (ServerError) isEvent()     {}
func (Ready) isEvent()           {}

// Decode parses one inbound frame. Malformed frames and unknown types are
// returned as *ParseError.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Raw: data, Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Raw: data, Err: fmt.Errorf("missing type")}
	}

	payload := func(v any) error {
		if len(env.Payload) == 0 || string(env.Payload) == "null" {
			return nil
		}
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return &ParseError{Type: env.Type, Raw: data, Err: err}
		}
		return nil
	}

	switch env.Type {
	case TypeThreadCreated:
		var t ThreadInfo
		if err := payload(&t); err != nil {
			return nil, err
		}
		if t.ID == "" {
			return nil, &ParseError{Type: env.Type, Raw: data, Err: fmt.Errorf("thread id is required")}
		}
		return ThreadCreated{At: env.Timestamp, Thread: t}, nil

	case TypeMessageReceived:
		var m MessageInfo
		if err := payload(&m); err != nil {
			return nil, err
		}
		if env.ThreadID == "" || m.ID == "" {
			return nil, &ParseError{Type: env.Type, Raw: data, Err: fmt.Errorf("thread_id and message id are required")}
		}
		return MessageReceived{ThreadID: env.ThreadID, At: env.Timestamp, Message: m}, nil

	case TypeAgentActivated:
		var a AgentActivatedPayload
		if err := payload(&a); err != nil {
			return nil, err
		}
		return AgentActivated{ThreadID: env.ThreadID, At: env.Timestamp, Agent: a.Agent}, nil

	case TypeSwitchThread:
		var s SwitchThreadPayload
		if err := payload(&s); err != nil {
			return nil, err
		}
		id := s.ThreadID
		if id == "" {
			id = env.ThreadID
		}
		return ThreadSwitched{ThreadID: id, At: env.Timestamp}, nil

	case TypePong:
		return Pong{At: env.Timestamp}, nil

	case TypeError:
		var e ErrorPayload
		if err := payload(&e); err != nil {
			return nil, err
		}
		return ServerError{ThreadID: env.ThreadID, At: env.Timestamp, Message: e.Message}, nil

	default:
		return nil, &ParseError{Type: env.Type, Raw: data, Err: ErrUnknownType}
	}
}
