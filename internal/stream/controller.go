// Package stream runs in-flight assistant responses.
//
// A Controller owns one Session per message id currently receiving tokens.
// Each session is a small state machine (Idle → Streaming → Complete|Failed)
// that applies transport deltas to its Target in arrival order, fans them out
// to listeners, and on a terminal transition finalizes the message, appends
// it to the conversation log and only then emits the terminal event.
// Cancellation ends in Failed with ReasonCancelled.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/comigor/chattree/internal/llm"
	"github.com/comigor/chattree/internal/logger"
)

var (
	// ErrSessionActive is returned when a message already has a running session.
	ErrSessionActive = errors.New("stream: session already active for message")
	// ErrNoSession is returned when no running session exists for a message.
	ErrNoSession = errors.New("stream: no active session for message")
)

// StartRequest describes a session to start.
type StartRequest struct {
	MessageID string
	Target    Target
	Request   llm.Request
}

// Controller tracks the running sessions.
type Controller struct {
	transport llm.Transport

	mu     sync.Mutex
	active map[string]*Session
	wg     sync.WaitGroup
}

// NewController creates a controller that opens streams on transport.
func NewController(transport llm.Transport) *Controller {
	return &Controller{
		transport: transport,
		active:    make(map[string]*Session),
	}
}

// Start begins streaming req.MessageID, which must be pending in the target.
// Listeners passed here are registered before the first delta. A second
// Start for a message that is still streaming fails with ErrSessionActive.
//
// The session outlives ctx's cancellation; use Cancel to stop it.
func (c *Controller) Start(ctx context.Context, req StartRequest, listeners ...Listener) (*Session, error) {
	if req.MessageID == "" || req.Target == nil {
		return nil, errors.New("stream: message id and target are required")
	}

	sctx, abort := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if _, busy := c.active[req.MessageID]; busy {
		c.mu.Unlock()
		abort()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, req.MessageID)
	}
	var s *Session
	s = newSession(req.MessageID, req.Target, abort, func() { c.remove(req.MessageID, s) })
	c.active[req.MessageID] = s
	c.mu.Unlock()

	for _, l := range listeners {
		s.Subscribe(l)
	}

	if err := s.fsm.Fire(TriggerStart); err != nil {
		c.remove(req.MessageID, s)
		abort()
		return nil, fmt.Errorf("stream: start %s: %w", req.MessageID, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.run(sctx, c.transport, req.Request)
	}()
	return s, nil
}

func (c *Controller) remove(id string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] == s {
		delete(c.active, id)
	}
}

// Get returns the running session for a message.
func (c *Controller) Get(messageID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.active[messageID]
	return s, ok
}

// Subscribe attaches l to the running session of messageID.
func (c *Controller) Subscribe(messageID string, l Listener) (func(), error) {
	s, ok := c.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, messageID)
	}
	return s.Subscribe(l), nil
}

// Cancel cancels the running session of messageID. Cancelling a message that
// is not streaming is a no-op.
func (c *Controller) Cancel(messageID string) {
	if s, ok := c.Get(messageID); ok {
		s.Cancel()
		return
	}
	logger.L.Debug("cancel for message without session", "message", messageID)
}

// Active returns the number of running sessions.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown cancels every running session and waits for their terminal
// events, or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.active))
	for _, s := range c.active {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
