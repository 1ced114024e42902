package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/conversation"
	"github.com/comigor/chattree/internal/stream"
)

// Conversations is the read and mutation API the conversation tools drive.
type Conversations interface {
	ListConversations(ctx context.Context) ([]catalog.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	ResolvePath(ctx context.Context, conversationID string, sel branch.Selections) (branch.Path, error)
	SendMessage(ctx context.Context, conversationID, content string, listeners ...stream.Listener) (conversation.SendResult, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string, listeners ...stream.Listener) (conversation.EditResult, error)
	Regenerate(ctx context.Context, conversationID, assistantID string, listeners ...stream.Listener) (chat.Message, error)
	SwitchBranch(ctx context.Context, conversationID, parentID string, index int) (branch.Path, error)
	DeleteBranch(ctx context.Context, conversationID, messageID string) error
	CancelStream(messageID string)
}

// RegisterConversationTools adds one tool per conversation operation to m.
func RegisterConversationTools(m *ToolManager, svc Conversations) {
	m.RegisterTool(&ListConversationsTool{svc: svc})
	m.RegisterTool(&ListMessagesTool{svc: svc})
	m.RegisterTool(&ResolvePathTool{svc: svc})
	m.RegisterTool(&SendMessageTool{svc: svc})
	m.RegisterTool(&EditMessageTool{svc: svc})
	m.RegisterTool(&RegenerateTool{svc: svc})
	m.RegisterTool(&SwitchBranchTool{svc: svc})
	m.RegisterTool(&DeleteBranchTool{svc: svc})
	m.RegisterTool(&CancelStreamTool{svc: svc})
}

func decode(args string, v any) error {
	if args == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// requireArgs checks name/value pairs for empty values.
func requireArgs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("missing required argument %q", pairs[i])
		}
	}
	return nil
}

// replyWaiter collects the terminal event of a reply so tools can return the
// finished message.
type replyWaiter struct {
	done chan stream.Event
}

func newReplyWaiter() *replyWaiter {
	return &replyWaiter{done: make(chan stream.Event, 1)}
}

func (w *replyWaiter) listen(ev stream.Event) {
	if ev.Terminal() {
		w.done <- ev
	}
}

func (w *replyWaiter) wait(ctx context.Context) (chat.Message, error) {
	select {
	case ev := <-w.done:
		if ev.Err != nil {
			msg := chat.Message{}
			if ev.Message != nil {
				msg = *ev.Message
			}
			return msg, ev.Err
		}
		return *ev.Message, nil
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
}

// reply is what the streaming tools return once the answer is final.
type reply struct {
	User      *chat.Message       `json:"user,omitempty"`
	Edited    *chat.Message       `json:"edited,omitempty"`
	Assistant chat.Message        `json:"assistant"`
	Error     *stream.StreamError `json:"error,omitempty"`
}

func finish(r reply, msg chat.Message, err error) (string, error) {
	var serr *stream.StreamError
	switch {
	case errors.As(err, &serr):
		r.Error = serr
		r.Assistant = msg
	case err != nil:
		return "", err
	default:
		r.Assistant = msg
	}
	return encode(r)
}

// ListConversationsTool lists known conversations.
type ListConversationsTool struct{ svc Conversations }

func (t *ListConversationsTool) Name() string { return "list_conversations" }

func (t *ListConversationsTool) Description() string {
	return "Lists conversations, most recently updated first."
}

func (t *ListConversationsTool) Params() []mcp.ToolOption { return nil }

func (t *ListConversationsTool) Run(ctx context.Context, _ string) (string, error) {
	convs, err := t.svc.ListConversations(ctx)
	if err != nil {
		return "", err
	}
	if convs == nil {
		convs = []catalog.Conversation{}
	}
	return encode(convs)
}

// ListMessagesTool returns every message of a conversation, all branches
// included.
type ListMessagesTool struct{ svc Conversations }

func (t *ListMessagesTool) Name() string { return "list_messages" }

func (t *ListMessagesTool) Description() string {
	return "Returns every message of a conversation across all branches, in creation order."
}

func (t *ListMessagesTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
	}
}

func (t *ListMessagesTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID); err != nil {
		return "", err
	}
	msgs, err := t.svc.ListMessages(ctx, a.ConversationID)
	if err != nil {
		return "", err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return encode(msgs)
}

// ResolvePathTool returns the displayed path of a conversation.
type ResolvePathTool struct{ svc Conversations }

func (t *ResolvePathTool) Name() string { return "resolve_path" }

func (t *ResolvePathTool) Description() string {
	return "Returns the active path of a conversation and its branch points (parent id, child count, selected index)."
}

func (t *ResolvePathTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
	}
}

func (t *ResolvePathTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID); err != nil {
		return "", err
	}
	p, err := t.svc.ResolvePath(ctx, a.ConversationID, nil)
	if err != nil {
		return "", err
	}
	return encode(p)
}

// SendMessageTool sends a user message and waits for the reply.
type SendMessageTool struct{ svc Conversations }

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Appends a user message to the active path of a conversation and returns the assistant reply once it is complete."
}

func (t *SendMessageTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id; a new id starts a conversation")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
	}
}

func (t *SendMessageTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
		Content        string `json:"content"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID, "content", a.Content); err != nil {
		return "", err
	}
	w := newReplyWaiter()
	res, err := t.svc.SendMessage(ctx, a.ConversationID, a.Content, w.listen)
	if err != nil {
		return "", err
	}
	msg, err := w.wait(ctx)
	return finish(reply{User: &res.User}, msg, err)
}

// EditMessageTool branches a message with new content.
type EditMessageTool struct{ svc Conversations }

func (t *EditMessageTool) Name() string { return "edit_message" }

func (t *EditMessageTool) Description() string {
	return "Creates an edited copy of a message as a new branch and selects it. Editing a user message produces a new assistant reply, which is returned once complete."
}

func (t *EditMessageTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Message to edit")),
		mcp.WithString("content", mcp.Required(), mcp.Description("New message text")),
	}
}

func (t *EditMessageTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
		Content        string `json:"content"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID, "message_id", a.MessageID, "content", a.Content); err != nil {
		return "", err
	}
	w := newReplyWaiter()
	res, err := t.svc.EditMessage(ctx, a.ConversationID, a.MessageID, a.Content, w.listen)
	if err != nil {
		return "", err
	}
	if res.Assistant == nil {
		return encode(reply{Edited: &res.Message, Assistant: res.Message})
	}
	msg, err := w.wait(ctx)
	return finish(reply{Edited: &res.Message}, msg, err)
}

// RegenerateTool asks for another answer to the same prompt.
type RegenerateTool struct{ svc Conversations }

func (t *RegenerateTool) Name() string { return "regenerate" }

func (t *RegenerateTool) Description() string {
	return "Generates a new answer next to an existing assistant message, selects it and returns it once complete."
}

func (t *RegenerateTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Assistant message to regenerate")),
	}
}

func (t *RegenerateTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID, "message_id", a.MessageID); err != nil {
		return "", err
	}
	w := newReplyWaiter()
	if _, err := t.svc.Regenerate(ctx, a.ConversationID, a.MessageID, w.listen); err != nil {
		return "", err
	}
	msg, err := w.wait(ctx)
	return finish(reply{}, msg, err)
}

// SwitchBranchTool selects a branch at a branch point.
type SwitchBranchTool struct{ svc Conversations }

func (t *SwitchBranchTool) Name() string { return "switch_branch" }

func (t *SwitchBranchTool) Description() string {
	return "Selects child number 'index' (0-based, in creation order) of 'parent_id' and returns the new active path. Use \"root\" as parent_id for top-level messages."
}

func (t *SwitchBranchTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithString("parent_id", mcp.Required(), mcp.Description("Branch point parent id, or \"root\"")),
		mcp.WithNumber("index", mcp.Required(), mcp.Description("Child index to select")),
	}
}

func (t *SwitchBranchTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
		ParentID       string `json:"parent_id"`
		Index          *int   `json:"index"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID, "parent_id", a.ParentID); err != nil {
		return "", err
	}
	if a.Index == nil {
		return "", fmt.Errorf("missing required argument %q", "index")
	}
	p, err := t.svc.SwitchBranch(ctx, a.ConversationID, a.ParentID, *a.Index)
	if err != nil {
		return "", err
	}
	return encode(p)
}

// DeleteBranchTool removes a message and everything below it.
type DeleteBranchTool struct{ svc Conversations }

func (t *DeleteBranchTool) Name() string { return "delete_branch" }

func (t *DeleteBranchTool) Description() string {
	return "Permanently deletes a message and all of its descendants."
}

func (t *DeleteBranchTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation id")),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("First message of the branch to delete")),
	}
}

func (t *DeleteBranchTool) Run(ctx context.Context, args string) (string, error) {
	var a struct {
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("conversation_id", a.ConversationID, "message_id", a.MessageID); err != nil {
		return "", err
	}
	if err := t.svc.DeleteBranch(ctx, a.ConversationID, a.MessageID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted branch starting at %s", a.MessageID), nil
}

// CancelStreamTool stops a reply that is still streaming.
type CancelStreamTool struct{ svc Conversations }

func (t *CancelStreamTool) Name() string { return "cancel_stream" }

func (t *CancelStreamTool) Description() string {
	return "Stops an assistant reply that is still streaming. The partial answer is kept as a failed message."
}

func (t *CancelStreamTool) Params() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("message_id", mcp.Required(), mcp.Description("Streaming assistant message id")),
	}
}

func (t *CancelStreamTool) Run(_ context.Context, args string) (string, error) {
	var a struct {
		MessageID string `json:"message_id"`
	}
	if err := decode(args, &a); err != nil {
		return "", err
	}
	if err := requireArgs("message_id", a.MessageID); err != nil {
		return "", err
	}
	t.svc.CancelStream(a.MessageID)
	return fmt.Sprintf("Cancelled %s", a.MessageID), nil
}
