package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/llm"
	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/metrics"
	"github.com/comigor/chattree/internal/tree"
)

// State is a session FSM state.
type State string

const (
	StateIdle      State = "Idle"
	StateStreaming State = "Streaming"
	StateComplete  State = "Complete" // Terminal
	StateFailed    State = "Failed"   // Terminal, also reached on cancellation
)

// Trigger is a session FSM trigger.
type Trigger string

const (
	TriggerStart  Trigger = "Start"
	TriggerFinish Trigger = "Finish"
	TriggerFail   Trigger = "Fail"
	TriggerCancel Trigger = "Cancel"
)

// Target is the conversation a session writes into. Implementations
// serialize access to their tree and log.
type Target interface {
	Begin(id string) (chat.Message, error)
	ApplyDelta(id, chunk string) (chat.Message, error)
	Finalize(id string, f tree.Final) (chat.Message, error)
	// Persist appends a finalized message to the conversation log.
	Persist(m chat.Message) error
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// Session drives one assistant message from pending to a terminal status.
// All events are emitted from the session goroutine.
type Session struct {
	messageID string
	target    Target
	fsm       *stateless.StateMachine

	mu        sync.Mutex
	cancelled bool
	terminal  bool
	listeners []listenerEntry
	nextID    uint64
	abort     context.CancelFunc

	done      chan struct{}
	result    chat.Message
	resultErr *StreamError

	// onTerminal runs after the final record is persisted and before the
	// terminal event is emitted.
	onTerminal func()
}

func newSession(messageID string, target Target, abort context.CancelFunc, onTerminal func()) *Session {
	s := &Session{
		messageID:  messageID,
		target:     target,
		abort:      abort,
		done:       make(chan struct{}),
		onTerminal: onTerminal,
	}

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerStart, StateStreaming)

	fsm.Configure(StateStreaming).
		OnEntry(s.onStreaming).
		Permit(TriggerFinish, StateComplete).
		Permit(TriggerFail, StateFailed).
		Permit(TriggerCancel, StateFailed)

	fsm.Configure(StateComplete).
		OnEntry(s.onComplete)

	fsm.Configure(StateFailed).
		OnEntryFrom(TriggerFail, s.onFailed).
		OnEntryFrom(TriggerCancel, s.onCancelled)

	s.fsm = fsm
	return s
}

// MessageID returns the id of the message being streamed.
func (s *Session) MessageID() string { return s.messageID }

// State returns the current FSM state.
func (s *Session) State() State {
	st, _ := s.fsm.MustState().(State)
	return st
}

// Done is closed once the terminal event has been emitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the finalized message and, for failed sessions, the error.
// It is only meaningful after Done is closed.
func (s *Session) Result() (chat.Message, *StreamError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.resultErr
}

// Subscribe registers l for subsequent events. A session that already
// finished delivers nothing; the returned func is then a no-op.
func (s *Session) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.listeners {
				if e.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Cancel stops the session. Once Cancel returns no further delta is applied
// to the message. The terminal error event is emitted by the session
// goroutine. Calling Cancel on a finished or already cancelled session does
// nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.terminal || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	abort := s.abort
	s.mu.Unlock()

	logger.L.Info("stream cancel requested", "message", s.messageID)
	abort()
}

func (s *Session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// run consumes the transport until it ends, fails or the session is cancelled.
func (s *Session) run(ctx context.Context, transport llm.Transport, req llm.Request) {
	defer close(s.done)
	defer s.abort()

	st, err := transport.Stream(ctx, req)
	if err != nil {
		s.fail(err)
		return
	}
	defer st.Close()

	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		if ok := s.deliver(chunk); !ok {
			return
		}
	}
}

// deliver applies one chunk and fans it out. It reports false when the
// session has ended, either through cancellation or a tree error.
func (s *Session) deliver(chunk string) bool {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		metrics.DeltasDiscarded.Inc()
		s.fire(TriggerCancel)
		return false
	}
	_, err := s.target.ApplyDelta(s.messageID, chunk)
	ls := s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		logger.L.Error("apply delta failed", "message", s.messageID, "error", err)
		s.fire(TriggerFail, &StreamError{Reason: ReasonInternal, Message: err.Error()})
		return false
	}
	metrics.DeltasApplied.Inc()
	s.emit(ls, Event{Type: EventDelta, MessageID: s.messageID, Delta: chunk})
	return true
}

func (s *Session) finish() {
	if s.isCancelled() {
		s.fire(TriggerCancel)
		return
	}
	s.fire(TriggerFinish)
}

func (s *Session) fail(err error) {
	if s.isCancelled() {
		s.fire(TriggerCancel)
		return
	}
	logger.L.Warn("stream transport failed", "message", s.messageID, "error", err)
	s.fire(TriggerFail, &StreamError{
		Reason:    ReasonTransport,
		Message:   err.Error(),
		Retryable: llm.Retryable(err),
	})
}

func (s *Session) fire(t Trigger, args ...any) {
	if err := s.fsm.Fire(t, args...); err != nil {
		logger.L.Error("stream FSM fire error", "message", s.messageID, "trigger", t, "error", err)
	}
}

func (s *Session) onStreaming(_ context.Context, _ ...any) error {
	if _, err := s.target.Begin(s.messageID); err != nil {
		return err
	}
	metrics.SessionsStarted.Inc()
	metrics.ActiveSessions.Inc()
	logger.L.Debug("stream started", "message", s.messageID)
	return nil
}

func (s *Session) onComplete(_ context.Context, _ ...any) error {
	msg, err := s.target.Finalize(s.messageID, tree.Final{Status: chat.StatusComplete})
	if err != nil {
		logger.L.Error("finalize failed", "message", s.messageID, "error", err)
		s.settle(msg, &StreamError{Reason: ReasonInternal, Message: err.Error()}, "failed")
		return nil
	}
	if err := s.target.Persist(msg); err != nil {
		logger.L.Error("persist completed message failed", "message", s.messageID, "error", err)
		s.settle(msg, &StreamError{Reason: ReasonStorage, Message: err.Error()}, "failed")
		return nil
	}
	s.settle(msg, nil, "complete")
	return nil
}

func (s *Session) onFailed(_ context.Context, args ...any) error {
	serr := &StreamError{Reason: ReasonInternal, Message: "unknown failure"}
	if len(args) > 0 {
		if e, ok := args[0].(*StreamError); ok {
			serr = e
		}
	}
	s.failWith(serr, "failed")
	return nil
}

func (s *Session) onCancelled(_ context.Context, _ ...any) error {
	s.failWith(&StreamError{Reason: ReasonCancelled, Message: "cancelled by user", Retryable: true}, "cancelled")
	return nil
}

// failWith finalizes the message as failed, keeping whatever content was
// streamed so far.
func (s *Session) failWith(serr *StreamError, outcome string) {
	msg, err := s.target.Finalize(s.messageID, tree.Final{Status: chat.StatusFailed, Error: string(serr.Reason) + ": " + serr.Message})
	if err != nil {
		logger.L.Error("finalize failed", "message", s.messageID, "error", err)
		s.settle(msg, serr, outcome)
		return
	}
	if err := s.target.Persist(msg); err != nil {
		logger.L.Error("persist failed message failed", "message", s.messageID, "error", err)
		serr = &StreamError{Reason: ReasonStorage, Message: err.Error()}
	}
	s.settle(msg, serr, outcome)
}

// settle records the result, detaches listeners and emits the one terminal
// event.
func (s *Session) settle(msg chat.Message, serr *StreamError, outcome string) {
	s.mu.Lock()
	s.terminal = true
	s.result = msg
	s.resultErr = serr
	ls := s.snapshotLocked()
	s.listeners = nil
	s.mu.Unlock()

	metrics.ActiveSessions.Dec()
	metrics.SessionsFinished.WithLabelValues(outcome).Inc()
	logger.L.Info("stream finished", "message", s.messageID, "outcome", outcome, "bytes", len(msg.Content))

	if s.onTerminal != nil {
		s.onTerminal()
	}

	ev := Event{Type: EventComplete, MessageID: s.messageID}
	if msg.ID != "" {
		ev.Message = &msg
	}
	if serr != nil {
		ev.Type = EventError
		ev.Err = serr
	}
	s.emit(ls, ev)
}

func (s *Session) snapshotLocked() []Listener {
	out := make([]Listener, len(s.listeners))
	for i, e := range s.listeners {
		out[i] = e.fn
	}
	return out
}

func (s *Session) emit(ls []Listener, ev Event) {
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.L.Error("stream listener panicked", "message", s.messageID, "event", ev.Type, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}
