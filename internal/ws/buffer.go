package ws

import "fmt"

const defaultOutboxSize = 256

// OverflowPolicy decides what a full Buffer does with a new message.
type OverflowPolicy int

const (
	// DropOldest queues the new message and discards the oldest queued one.
	DropOldest OverflowPolicy = iota
	// RejectNewest keeps the queue as is and refuses the new message.
	RejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case RejectNewest:
		return "reject_newest"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy maps a config string to an OverflowPolicy. The empty
// string selects DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "reject_newest":
		return RejectNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q (want drop_oldest or reject_newest)", s)
	}
}

// Buffer is the bounded FIFO of serialized messages waiting for a live
// connection. It is not safe for concurrent use; the Client guards it.
type Buffer struct {
	capacity int
	policy   OverflowPolicy
	items    [][]byte
	dropped  int
}

// NewBuffer creates a buffer holding at most capacity messages. A
// non-positive capacity selects the default.
func NewBuffer(capacity int, policy OverflowPolicy) *Buffer {
	if capacity <= 0 {
		capacity = defaultOutboxSize
	}
	return &Buffer{capacity: capacity, policy: policy}
}

// Push appends msg. On overflow it applies the policy and returns ErrBufferOverflow.
func (b *Buffer) Push(msg []byte) error {
	if len(b.items) < b.capacity {
		b.items = append(b.items, msg)
		return nil
	}
	b.dropped++
	if b.policy == RejectNewest {
		return ErrBufferOverflow
	}
	b.items[0] = nil
	b.items = append(b.items[1:], msg)
	return ErrBufferOverflow
}

// Peek returns the oldest message without removing it.
func (b *Buffer) Peek() ([]byte, bool) {
	if len(b.items) == 0 {
		return nil, false
	}
	return b.items[0], true
}

// Pop removes the oldest message.
func (b *Buffer) Pop() {
	if len(b.items) == 0 {
		return
	}
	b.items[0] = nil
	b.items = b.items[1:]
	if len(b.items) == 0 {
		b.items = nil
	}
}

// Any reports whether some queued message satisfies match.
func (b *Buffer) Any(match func([]byte) bool) bool {
	for _, m := range b.items {
		if match(m) {
			return true
		}
	}
	return false
}

func (b *Buffer) Len() int { return len(b.items) }

func (b *Buffer) Cap() int { return b.capacity }

// Dropped counts messages lost to overflow since creation.
func (b *Buffer) Dropped() int { return b.dropped }

// Reset discards every queued message.
func (b *Buffer) Reset() {
	clear(b.items)
	b.items = nil
}
