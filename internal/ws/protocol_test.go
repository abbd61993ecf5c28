package ws

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewEnvelopeEmptyPayload(t *testing.T) {
	env, err := NewEnvelope(TypePing, "", nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	data, _ := json.Marshal(env)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["payload"].(map[string]any); !ok {
		t.Errorf("payload = %v, want empty object", raw["payload"])
	}
	if _, ok := raw["thread_id"]; ok {
		t.Error("empty thread_id should be omitted")
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want func(Event) bool
	}{
		{
			name: "message_received",
			in:   `{"type":"message_received","thread_id":"t1","payload":{"id":"m1","role":"assistant","content":"hi"},"timestamp":"2026-01-02T03:04:05Z"}`,
			want: func(e Event) bool {
				m, ok := e.(MessageReceived)
				return ok && m.ThreadID == "t1" && m.Message.ID == "m1" && m.Message.Content == "hi"
			},
		},
		{
			name: "thread_created",
			in:   `{"type":"thread_created","payload":{"id":"t9","title":"New Thread"}}`,
			want: func(e Event) bool {
				tc, ok := e.(ThreadCreated)
				return ok && tc.Thread.ID == "t9" && tc.Thread.Title == "New Thread"
			},
		},
		{
			name: "agent_activated",
			in:   `{"type":"agent_activated","thread_id":"t1","payload":{"agent":"claude"}}`,
			want: func(e Event) bool {
				a, ok := e.(AgentActivated)
				return ok && a.ThreadID == "t1" && a.Agent == "claude"
			},
		},
		{
			name: "switch_thread ack",
			in:   `{"type":"switch_thread","thread_id":"t2","payload":{}}`,
			want: func(e Event) bool {
				s, ok := e.(ThreadSwitched)
				return ok && s.ThreadID == "t2"
			},
		},
		{
			name: "pong without payload",
			in:   `{"type":"pong"}`,
			want: func(e Event) bool { _, ok := e.(Pong); return ok },
		},
		{
			name: "error",
			in:   `{"type":"error","payload":{"message":"nope"}}`,
			want: func(e Event) bool {
				se, ok := e.(ServerError)
				return ok && se.Message == "nope"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !tt.want(ev) {
				t.Errorf("unexpected event %#v", ev)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		unknown bool
	}{
		{"not json", `{"type":`, false},
		{"missing type", `{"payload":{}}`, false},
		{"unknown type", `{"type":"wing.register","payload":{}}`, true},
		{"local ready is not a wire type", `{"type":"ready"}`, true},
		{"bad payload", `{"type":"message_received","thread_id":"t1","payload":[1,2]}`, false},
		{"message without thread", `{"type":"message_received","payload":{"id":"m1"}}`, false},
		{"thread without id", `{"type":"thread_created","payload":{"title":"x"}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode error = %v, want *ParseError", err)
			}
			if got := errors.Is(err, ErrUnknownType); got != tt.unknown {
				t.Errorf("errors.Is(ErrUnknownType) = %v, want %v", got, tt.unknown)
			}
		})
	}
}
