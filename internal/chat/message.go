package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RootID is the parent sentinel of a thread root.
const RootID = "root"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is complete or failed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ErrInvalidMessage is returned by Validate.
var ErrInvalidMessage = errors.New("invalid message")

// Message is a single node of a conversation tree. One Message is one line of
// a conversation log.
type Message struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// Validate checks the fields a persisted record must carry. A missing status
// is allowed and read as complete.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if m.ParentID == "" {
		return fmt.Errorf("%w: missing parentId", ErrInvalidMessage)
	}
	if m.ParentID == m.ID {
		return fmt.Errorf("%w: message %s is its own parent", ErrInvalidMessage, m.ID)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMessage, m.Status)
	}
	return nil
}

// IsRoot reports whether the message starts a thread.
func (m Message) IsRoot() bool {
	return m.ParentID == RootID
}

// NewID returns a fresh message or conversation id.
func NewID() string {
	return uuid.NewString()
}
