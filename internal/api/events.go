package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/stream"
)

// started is the first line of a send/edit/regenerate event stream.
type started struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

// eventQueue buffers session events for one HTTP client. push never blocks,
// so a slow client cannot stall the session goroutine.
type eventQueue struct {
	mu     sync.Mutex
	events []stream.Event
	closed bool
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev stream.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []stream.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// close drops queued and future events.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
}

// streamEvents writes first (if any) and then every queued event as one JSON
// line each, until a terminal event or the client goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, q *eventQueue, first any) {
	defer q.close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStatus(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	if first != nil {
		if err := enc.Encode(first); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			logger.L.Debug("stream client went away", "path", r.URL.Path)
			return
		case <-q.notify:
		}
		for _, ev := range q.drain() {
			if err := enc.Encode(ev); err != nil {
				return
			}
			if ev.Terminal() {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}
}
