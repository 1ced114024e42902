package stream

import (
	"fmt"

	"github.com/comigor/chattree/internal/chat"
)

// EventType discriminates session events.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Reason classifies why a session failed.
type Reason string

const (
	ReasonCancelled Reason = "cancelled"
	ReasonTransport Reason = "transport"
	ReasonStorage   Reason = "storage"
	ReasonInternal  Reason = "internal"
)

// StreamError is the structured failure carried by an error event.
type StreamError struct {
	Reason    Reason `json:"reason"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %s", e.Reason, e.Message)
}

// Event is delivered to session listeners. Delta events carry the chunk just
// applied; terminal events carry the finalized message.
type Event struct {
	Type      EventType     `json:"type"`
	MessageID string        `json:"messageId"`
	Delta     string        `json:"delta,omitempty"`
	Message   *chat.Message `json:"message,omitempty"`
	Err       *StreamError  `json:"error,omitempty"`
}

// Terminal reports whether e ends its session.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Listener receives session events on the session goroutine, in order.
type Listener func(Event)
