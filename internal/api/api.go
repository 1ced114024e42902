// Package api serves conversations over HTTP. Stream events are
// written as newline-delimited JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/conversation"
	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/logstore"
	"github.com/comigor/chattree/internal/stream"
	"github.com/comigor/chattree/internal/tree"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Service is what the handlers need from the conversation layer.
type Service interface {
	NewConversation(ctx context.Context) (catalog.Conversation, error)
	ListConversations(ctx context.Context) ([]catalog.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	ResolvePath(ctx context.Context, conversationID string, sel branch.Selections) (branch.Path, error)
	Selections(ctx context.Context, conversationID string) (branch.Selections, error)
	SendMessage(ctx context.Context, conversationID, content string, listeners ...stream.Listener) (conversation.SendResult, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string, listeners ...stream.Listener) (conversation.EditResult, error)
	Regenerate(ctx context.Context, conversationID, assistantID string, listeners ...stream.Listener) (chat.Message, error)
	SwitchBranch(ctx context.Context, conversationID, parentID string, index int) (branch.Path, error)
	DeleteBranch(ctx context.Context, conversationID, messageID string) error
	SubscribeToStream(messageID string, l stream.Listener) (func(), error)
	CancelStream(messageID string)
}

// Server holds the HTTP handlers.
type Server struct {
	svc     Service
	router  *http.ServeMux
	handler http.Handler
	limiter *limiterPool
}

// New creates the API handler.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc, router: http.NewServeMux()}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	s.handler = LoggingMiddleware(RecoveryMiddleware(s.router))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)

	s.router.HandleFunc("GET /conversations", s.handleListConversations)
	s.router.HandleFunc("POST /conversations", s.handleNewConversation)
	s.router.HandleFunc("DELETE /conversations/{id}", s.handleDeleteConversation)

	s.router.HandleFunc("GET /conversations/{id}/messages", s.handleListMessages)
	s.router.HandleFunc("POST /conversations/{id}/messages", s.limited(s.handleSend))
	s.router.HandleFunc("POST /conversations/{id}/messages/{mid}/edit", s.limited(s.handleEdit))
	s.router.HandleFunc("POST /conversations/{id}/messages/{mid}/regenerate", s.limited(s.handleRegenerate))
	s.router.HandleFunc("DELETE /conversations/{id}/messages/{mid}", s.handleDeleteBranch)

	s.router.HandleFunc("GET /conversations/{id}/path", s.handlePath)
	s.router.HandleFunc("PUT /conversations/{id}/selections/{parent}", s.handleSwitchBranch)

	s.router.HandleFunc("GET /streams/{mid}", s.handleSubscribe)
	s.router.HandleFunc("POST /streams/{mid}/cancel", s.handleCancel)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.svc.ListConversations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if convs == nil {
		convs = []catalog.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.NewConversation(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.ListMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handlePath resolves the display path. Query parameters of the form
// sel.<parentId>=<index> override the stored selection of that parent for
// this read only; other stored selections still apply.
func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	overrides, err := selectionsFromQuery(r)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	var sel branch.Selections
	if len(overrides) > 0 {
		if sel, err = s.svc.Selections(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		for parent, idx := range overrides {
			sel[parent] = idx
		}
	}
	p, err := s.svc.ResolvePath(r.Context(), r.PathValue("id"), sel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleSwitchBranch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Index *int `json:"index"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Index == nil {
		writeErrorStatus(w, http.StatusBadRequest, "index is required")
		return
	}
	p, err := s.svc.SwitchBranch(r.Context(), r.PathValue("id"), r.PathValue("parent"), *body.Index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type contentBody struct {
	Content string `json:"content"`
}

// handleSend sends a message. With ?stream=true the response is the event
// stream of the reply; otherwise it returns as soon as the reply started.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body contentBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Content == "" {
		writeErrorStatus(w, http.StatusBadRequest, "content is required")
		return
	}

	q := newEventQueue()
	res, err := s.svc.SendMessage(r.Context(), r.PathValue("id"), body.Content, q.push)
	if err != nil {
		writeError(w, err)
		return
	}
	if !wantsStream(r) {
		q.close()
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	s.streamEvents(w, r, q, started{Type: "started", Result: res})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var body contentBody
	if !decodeBody(w, r, &body) {
		return
	}

	q := newEventQueue()
	res, err := s.svc.EditMessage(r.Context(), r.PathValue("id"), r.PathValue("mid"), body.Content, q.push)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Assistant == nil || !wantsStream(r) {
		q.close()
		status := http.StatusAccepted
		if res.Assistant == nil {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
		return
	}
	s.streamEvents(w, r, q, started{Type: "started", Result: res})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	q := newEventQueue()
	msg, err := s.svc.Regenerate(r.Context(), r.PathValue("id"), r.PathValue("mid"), q.push)
	if err != nil {
		writeError(w, err)
		return
	}
	if !wantsStream(r) {
		q.close()
		writeJSON(w, http.StatusAccepted, msg)
		return
	}
	s.streamEvents(w, r, q, started{Type: "started", Result: msg})
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBranch(r.Context(), r.PathValue("id"), r.PathValue("mid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe streams the events of a running reply from now on.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := newEventQueue()
	unsubscribe, err := s.svc.SubscribeToStream(r.PathValue("mid"), q.push)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsubscribe()
	s.streamEvents(w, r, q, nil)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.svc.CancelStream(r.PathValue("mid"))
	w.WriteHeader(http.StatusNoContent)
}

func wantsStream(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("stream"))
	return v
}

func selectionsFromQuery(r *http.Request) (branch.Selections, error) {
	var sel branch.Selections
	for key, vals := range r.URL.Query() {
		const prefix = "sel."
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix || len(vals) == 0 {
			continue
		}
		idx, err := strconv.Atoi(vals[0])
		if err != nil {
			return nil, errors.New("selection index must be an integer: " + key)
		}
		if sel == nil {
			sel = branch.Selections{}
		}
		sel[key[len(prefix):]] = idx
	}
	return sel, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorStatus(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeErrorStatus(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response failed", "error", err)
	}
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var readErr *logstore.ReadError
	switch {
	case errors.Is(err, conversation.ErrInvalidID), errors.Is(err, conversation.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, stream.ErrNoSession), errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, conversation.ErrBusy), errors.Is(err, stream.ErrSessionActive):
		status = http.StatusConflict
	case errors.As(err, &readErr):
		logger.L.Error("conversation log corrupt", "path", readErr.Path, "line", readErr.Line, "error", readErr.Err)
	default:
		logger.L.Error("request failed", "error", err)
	}
	writeErrorStatus(w, status, err.Error())
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
