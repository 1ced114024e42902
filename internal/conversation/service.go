// Package conversation orchestrates tree mutations. Every change creates new
// messages (a sent message, an edited sibling, a regenerated answer), selects
// the branch it belongs to, persists what is final and hands the assistant
// reply to the stream controller. Originals are never mutated.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/llm"
	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/logstore"
	"github.com/comigor/chattree/internal/stream"
	"github.com/comigor/chattree/internal/tree"
)

var (
	// ErrBusy is returned when a mutation would build on a message that is
	// still streaming.
	ErrBusy = errors.New("conversation: a response is still streaming")
	// ErrInvalidID is returned for conversation ids that cannot name a log file.
	ErrInvalidID = errors.New("conversation: invalid conversation id")
	// ErrInvalid is returned for requests that do not apply to the target message.
	ErrInvalid = errors.New("conversation: invalid request")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Catalog is the conversation index the service keeps in sync. Failures are
// logged; they never fail a mutation.
type Catalog interface {
	Upsert(ctx context.Context, conv catalog.Conversation) error
	List(ctx context.Context) ([]catalog.Conversation, error)
	Delete(ctx context.Context, id string) error
	SaveSelection(ctx context.Context, conversationID, parentID string, index int) error
	ClearSelection(ctx context.Context, conversationID, parentID string) error
	LoadSelections(ctx context.Context, conversationID string) (branch.Selections, error)
}

// Options configures a Service.
type Options struct {
	// Dir holds one <id>.jsonl log per conversation.
	Dir     string
	Model   string
	Streams *stream.Controller
	// Catalog may be nil.
	Catalog Catalog
}

// Service is the entry point for reads and mutations on conversations.
type Service struct {
	dir     string
	model   string
	streams *stream.Controller
	catalog Catalog

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	cat := opts.Catalog
	if cat == nil {
		cat = nopCatalog{}
	}
	return &Service{
		dir:     opts.Dir,
		model:   opts.Model,
		streams: opts.Streams,
		catalog: cat,
		convs:   make(map[string]*Conversation),
	}
}

// Streams returns the stream controller.
func (s *Service) Streams() *stream.Controller { return s.streams }

// Open returns the conversation with the given id, loading it from its log on
// first use. A conversation without a log is empty.
func (s *Service) Open(ctx context.Context, id string) (*Conversation, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c, nil
	}

	log := logstore.New[chat.Message](filepath.Join(s.dir, id+".jsonl"))
	recs, err := log.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", id, err)
	}
	t, err := tree.Rebuild(recs)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s (%s): %w", id, log.Path(), err)
	}
	sel, err := s.catalog.LoadSelections(ctx, id)
	if err != nil {
		logger.L.Warn("load selections failed; using defaults", "conversation", id, "error", err)
		sel = branch.Selections{}
	}
	if sel == nil {
		sel = branch.Selections{}
	}

	c := &Conversation{id: id, svc: s, tree: t, log: log, sel: sel, unsaved: map[string]struct{}{}}
	s.convs[id] = c
	logger.L.Debug("conversation opened", "conversation", id, "messages", t.Len())
	return c, nil
}

// NewConversation registers a fresh, empty conversation.
func (s *Service) NewConversation(ctx context.Context) (catalog.Conversation, error) {
	c, err := s.Open(ctx, chat.NewID())
	if err != nil {
		return catalog.Conversation{}, err
	}
	c.mu.Lock()
	entry := c.entryLocked()
	c.mu.Unlock()
	s.touch(entry)
	return entry, nil
}

// ListConversations returns the catalog, most recently updated first.
func (s *Service) ListConversations(ctx context.Context) ([]catalog.Conversation, error) {
	return s.catalog.List(ctx)
}

// DeleteConversation removes a conversation's log and catalog entry. It is
// refused while any of its messages is streaming.
func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	c, err := s.Open(ctx, id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return ErrBusy
	}
	err = c.log.Delete()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}

	s.mu.Lock()
	delete(s.convs, id)
	s.mu.Unlock()

	if err := s.catalog.Delete(ctx, id); err != nil {
		logger.L.Warn("catalog delete failed", "conversation", id, "error", err)
	}
	logger.L.Info("conversation deleted", "conversation", id)
	return nil
}

// ListMessages returns every message of the conversation in log order.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Messages(), nil
}

// ResolvePath resolves the display path. A nil sel uses the stored
// selections.
func (s *Service) ResolvePath(ctx context.Context, conversationID string, sel branch.Selections) (branch.Path, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return branch.Path{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if sel == nil {
		sel = c.sel
	}
	return branch.Resolve(c.tree.Messages(), sel), nil
}

// Selections returns a copy of the stored branch selections.
func (s *Service) Selections(ctx context.Context, conversationID string) (branch.Selections, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel.Clone(), nil
}

// SwitchBranch selects child index of parentID (or chat.RootID) and returns
// the new display path.
func (s *Service) SwitchBranch(ctx context.Context, conversationID, parentID string, index int) (branch.Path, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return branch.Path{}, err
	}

	c.mu.Lock()
	if parentID != chat.RootID {
		if _, ok := c.tree.Get(parentID); !ok {
			c.mu.Unlock()
			return branch.Path{}, fmt.Errorf("%w: %s", tree.ErrNotFound, parentID)
		}
	}
	n := len(c.tree.ChildrenOf(parentID))
	if index < 0 || index >= n {
		c.mu.Unlock()
		return branch.Path{}, fmt.Errorf("%w: index %d out of range for %s with %d children", ErrInvalid, index, parentID, n)
	}
	c.sel[parentID] = index
	path := c.pathLocked()
	c.mu.Unlock()

	s.saveSelection(ctx, conversationID, parentID, index)
	return path, nil
}

// SendResult is the outcome of SendMessage.
type SendResult struct {
	User      chat.Message `json:"user"`
	Assistant chat.Message `json:"assistant"`
}

// SendMessage appends a user message under the current path leaf (or as a new
// root), persists it and starts streaming the assistant reply. Listeners are
// registered before the first delta.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string, listeners ...stream.Listener) (SendResult, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return SendResult{}, err
	}

	c.mu.Lock()
	parent := chat.RootID
	if leaf, ok := c.pathLocked().Leaf(); ok {
		if !leaf.Status.Terminal() {
			c.mu.Unlock()
			return SendResult{}, fmt.Errorf("%w: %s", ErrBusy, leaf.ID)
		}
		parent = leaf.ID
	}

	user, err := c.insertLocked(chat.Message{
		ID:       chat.NewID(),
		ParentID: parent,
		Role:     chat.RoleUser,
		Content:  content,
		Status:   chat.StatusComplete,
	}, true)
	if err != nil {
		c.mu.Unlock()
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}

	assistant, req, err := s.pendingReplyLocked(c, user.ID)
	entry := c.entryLocked()
	c.mu.Unlock()
	if err != nil {
		return SendResult{}, err
	}

	s.touch(entry)
	logger.L.Info("message sent", "conversation", c.id, "message", user.ID, "reply", assistant.ID)

	if err := s.start(ctx, c, assistant.ID, req, listeners); err != nil {
		return SendResult{User: user, Assistant: assistant}, err
	}
	return SendResult{User: user, Assistant: assistant}, nil
}

// EditResult is the outcome of EditMessage. Assistant is set when the edit
// started a new reply.
type EditResult struct {
	Message   chat.Message  `json:"message"`
	Assistant *chat.Message `json:"assistant,omitempty"`
}

// EditMessage creates a sibling of messageID carrying content and selects it.
// Editing a user message streams a fresh assistant reply under the sibling;
// an edited assistant or system message is final as written.
func (s *Service) EditMessage(ctx context.Context, conversationID, messageID, content string, listeners ...stream.Listener) (EditResult, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return EditResult{}, err
	}

	c.mu.Lock()
	orig, ok := c.tree.Get(messageID)
	if !ok {
		c.mu.Unlock()
		return EditResult{}, fmt.Errorf("%w: %s", tree.ErrNotFound, messageID)
	}
	if !orig.Status.Terminal() {
		c.mu.Unlock()
		return EditResult{}, fmt.Errorf("%w: %s", ErrBusy, messageID)
	}

	sibling := chat.Message{
		ID:       chat.NewID(),
		ParentID: orig.ParentID,
		Role:     orig.Role,
		Content:  content,
		Status:   chat.StatusComplete,
	}
	if orig.Role == chat.RoleAssistant {
		sibling.Model = orig.Model
	}
	edited, err := c.insertLocked(sibling, true)
	if err != nil {
		c.mu.Unlock()
		return EditResult{}, fmt.Errorf("edit message: %w", err)
	}
	selParent, selIndex, err := c.selectLocked(edited.ID)
	if err != nil {
		c.mu.Unlock()
		return EditResult{}, err
	}

	if edited.Role != chat.RoleUser {
		entry := c.entryLocked()
		c.mu.Unlock()
		s.saveSelection(ctx, c.id, selParent, selIndex)
		s.touch(entry)
		logger.L.Info("message edited", "conversation", c.id, "original", messageID, "edited", edited.ID)
		return EditResult{Message: edited}, nil
	}

	assistant, req, err := s.pendingReplyLocked(c, edited.ID)
	entry := c.entryLocked()
	c.mu.Unlock()
	if err != nil {
		return EditResult{}, err
	}

	s.saveSelection(ctx, c.id, selParent, selIndex)
	s.touch(entry)
	logger.L.Info("message edited", "conversation", c.id, "original", messageID, "edited", edited.ID, "reply", assistant.ID)

	res := EditResult{Message: edited, Assistant: &assistant}
	if err := s.start(ctx, c, assistant.ID, req, listeners); err != nil {
		return res, err
	}
	return res, nil
}

// Regenerate streams a new answer as a sibling of the assistant message
// assistantID and selects it.
func (s *Service) Regenerate(ctx context.Context, conversationID, assistantID string, listeners ...stream.Listener) (chat.Message, error) {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return chat.Message{}, err
	}

	c.mu.Lock()
	orig, ok := c.tree.Get(assistantID)
	if !ok {
		c.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", tree.ErrNotFound, assistantID)
	}
	if orig.Role != chat.RoleAssistant {
		c.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: regenerate on %s message %s", ErrInvalid, orig.Role, assistantID)
	}
	if !orig.Status.Terminal() {
		c.mu.Unlock()
		return chat.Message{}, fmt.Errorf("%w: %s", ErrBusy, assistantID)
	}

	assistant, req, err := s.pendingReplyLocked(c, orig.ParentID)
	if err != nil {
		c.mu.Unlock()
		return chat.Message{}, err
	}
	selParent, selIndex, err := c.selectLocked(assistant.ID)
	c.mu.Unlock()
	if err != nil {
		return chat.Message{}, err
	}

	s.saveSelection(ctx, c.id, selParent, selIndex)
	logger.L.Info("regenerating", "conversation", c.id, "previous", assistantID, "reply", assistant.ID)

	if err := s.start(ctx, c, assistant.ID, req, listeners); err != nil {
		return assistant, err
	}
	return assistant, nil
}

// DeleteBranch removes messageID and its descendants and rewrites the log
// without them. It is refused while any message of the subtree is streaming.
func (s *Service) DeleteBranch(ctx context.Context, conversationID, messageID string) error {
	c, err := s.Open(ctx, conversationID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	gone, err := c.tree.Subtree(messageID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	drop := make(map[string]struct{}, len(gone))
	for _, m := range gone {
		if !m.Status.Terminal() {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBusy, m.ID)
		}
		drop[m.ID] = struct{}{}
	}

	// Messages still streaming elsewhere are appended when they finish.
	var keep []chat.Message
	for _, m := range c.tree.Messages() {
		if _, ok := drop[m.ID]; ok || !m.Status.Terminal() {
			continue
		}
		keep = append(keep, m)
	}
	if err := c.log.Rewrite(keep); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("delete branch %s: %w", messageID, err)
	}
	// The rewrite carried every final message, unsaved ones included.
	clear(c.unsaved)

	parent := gone[0].ParentID
	removedIndex, _ := c.tree.IndexOf(messageID)
	if _, err := c.tree.Remove(messageID); err != nil {
		c.mu.Unlock()
		return err
	}

	var cleared []string
	for id := range drop {
		if _, ok := c.sel[id]; ok {
			delete(c.sel, id)
			cleared = append(cleared, id)
		}
	}
	shifted := -1
	if cur, ok := c.sel[parent]; ok {
		switch {
		case cur == removedIndex:
			delete(c.sel, parent)
			cleared = append(cleared, parent)
		case cur > removedIndex:
			c.sel[parent] = cur - 1
			shifted = cur - 1
		}
	}
	entry := c.entryLocked()
	c.mu.Unlock()

	for _, id := range cleared {
		if err := s.catalog.ClearSelection(ctx, c.id, id); err != nil {
			logger.L.Warn("catalog clear selection failed", "conversation", c.id, "parent", id, "error", err)
		}
	}
	if shifted >= 0 {
		s.saveSelection(ctx, c.id, parent, shifted)
	}
	s.touch(entry)
	logger.L.Info("branch deleted", "conversation", c.id, "message", messageID, "removed", len(gone))
	return nil
}

// SubscribeToStream attaches l to the running session of messageID.
func (s *Service) SubscribeToStream(messageID string, l stream.Listener) (func(), error) {
	return s.streams.Subscribe(messageID, l)
}

// CancelStream cancels the running session of messageID. Cancelling a message
// that is not streaming does nothing.
func (s *Service) CancelStream(messageID string) {
	s.streams.Cancel(messageID)
}

// pendingReplyLocked inserts a pending assistant child of parentID, kept in
// memory only until its stream ends, and builds the upstream request.
func (s *Service) pendingReplyLocked(c *Conversation, parentID string) (chat.Message, llm.Request, error) {
	history := c.historyLocked(parentID)
	assistant, err := c.insertLocked(chat.Message{
		ID:       chat.NewID(),
		ParentID: parentID,
		Role:     chat.RoleAssistant,
		Status:   chat.StatusPending,
		Model:    s.model,
	}, false)
	if err != nil {
		return chat.Message{}, llm.Request{}, err
	}
	return assistant, llm.Request{Model: s.model, Messages: history}, nil
}

// start hands a pending reply to the stream controller. If the session cannot
// start, the reply is finalized as failed so the branch does not stay busy.
func (s *Service) start(ctx context.Context, c *Conversation, messageID string, req llm.Request, listeners []stream.Listener) error {
	_, err := s.streams.Start(ctx, stream.StartRequest{MessageID: messageID, Target: c, Request: req}, listeners...)
	if err == nil {
		return nil
	}
	logger.L.Error("stream start failed", "conversation", c.id, "message", messageID, "error", err)
	msg, ferr := c.Finalize(messageID, tree.Final{Status: chat.StatusFailed, Error: string(stream.ReasonInternal) + ": " + err.Error()})
	if ferr == nil {
		if perr := c.Persist(msg); perr != nil {
			logger.L.Error("persist abandoned reply failed", "conversation", c.id, "message", messageID, "error", perr)
		}
	}
	return err
}

func (s *Service) saveSelection(ctx context.Context, conversationID, parentID string, index int) {
	if err := s.catalog.SaveSelection(ctx, conversationID, parentID, index); err != nil {
		logger.L.Warn("catalog save selection failed", "conversation", conversationID, "parent", parentID, "error", err)
	}
}

func (s *Service) touch(entry catalog.Conversation) {
	// Catalog writes outlive the request that caused them.
	if err := s.catalog.Upsert(context.Background(), entry); err != nil {
		logger.L.Warn("catalog upsert failed", "conversation", entry.ID, "error", err)
	}
}

type nopCatalog struct{}

func (nopCatalog) Upsert(context.Context, catalog.Conversation) error { return nil }
func (nopCatalog) List(context.Context) ([]catalog.Conversation, error) {
	return nil, nil
}
func (nopCatalog) Delete(context.Context, string) error                     { return nil }
func (nopCatalog) SaveSelection(context.Context, string, string, int) error { return nil }
func (nopCatalog) ClearSelection(context.Context, string, string) error     { return nil }
func (nopCatalog) LoadSelections(context.Context, string) (branch.Selections, error) {
	return branch.Selections{}, nil
}
