package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/conversation"
	"github.com/comigor/chattree/internal/stream"
)

// This mirrors Conversations in conversation.go
type mockConversations struct {
	ListConversationsFunc func(ctx context.Context) ([]catalog.Conversation, error)
	ListMessagesFunc      func(ctx context.Context, id string) ([]chat.Message, error)
	ResolvePathFunc       func(ctx context.Context, id string, sel branch.Selections) (branch.Path, error)
	SendMessageFunc       func(ctx context.Context, id, content string, ls ...stream.Listener) (conversation.SendResult, error)
	EditMessageFunc       func(ctx context.Context, id, msgID, content string, ls ...stream.Listener) (conversation.EditResult, error)
	RegenerateFunc        func(ctx context.Context, id, msgID string, ls ...stream.Listener) (chat.Message, error)
	SwitchBranchFunc      func(ctx context.Context, id, parentID string, index int) (branch.Path, error)
	DeleteBranchFunc      func(ctx context.Context, id, msgID string) error
	cancelled             []string
}

func (m *mockConversations) ListConversations(ctx context.Context) ([]catalog.Conversation, error) {
	if m.ListConversationsFunc != nil {
		return m.ListConversationsFunc(ctx)
	}
	return nil, nil
}

func (m *mockConversations) ListMessages(ctx context.Context, id string) ([]chat.Message, error) {
	if m.ListMessagesFunc != nil {
		return m.ListMessagesFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockConversations) ResolvePath(ctx context.Context, id string, sel branch.Selections) (branch.Path, error) {
	if m.ResolvePathFunc != nil {
		return m.ResolvePathFunc(ctx, id, sel)
	}
	return branch.Path{}, nil
}

func (m *mockConversations) SendMessage(ctx context.Context, id, content string, ls ...stream.Listener) (conversation.SendResult, error) {
	return m.SendMessageFunc(ctx, id, content, ls...)
}

func (m *mockConversations) EditMessage(ctx context.Context, id, msgID, content string, ls ...stream.Listener) (conversation.EditResult, error) {
	return m.EditMessageFunc(ctx, id, msgID, content, ls...)
}

func (m *mockConversations) Regenerate(ctx context.Context, id, msgID string, ls ...stream.Listener) (chat.Message, error) {
	return m.RegenerateFunc(ctx, id, msgID, ls...)
}

func (m *mockConversations) SwitchBranch(ctx context.Context, id, parentID string, index int) (branch.Path, error) {
	return m.SwitchBranchFunc(ctx, id, parentID, index)
}

func (m *mockConversations) DeleteBranch(ctx context.Context, id, msgID string) error {
	if m.DeleteBranchFunc != nil {
		return m.DeleteBranchFunc(ctx, id, msgID)
	}
	return nil
}

func (m *mockConversations) CancelStream(msgID string) {
	m.cancelled = append(m.cancelled, msgID)
}

// emitAsync plays events to the listeners from another goroutine, as a
// stream session would.
func emitAsync(ls []stream.Listener, evs ...stream.Event) {
	go func() {
		for _, ev := range evs {
			for _, l := range ls {
				l(ev)
			}
		}
	}()
}

func newManager(svc Conversations) *ToolManager {
	m := NewToolManager()
	RegisterConversationTools(m, svc)
	return m
}

func TestToolManager_ListAndGet(t *testing.T) {
	m := newManager(&mockConversations{})

	var names []string
	for _, tool := range m.List() {
		names = append(names, tool.Name())
	}
	require.Equal(t, []string{
		"cancel_stream", "delete_branch", "edit_message", "list_conversations", "list_messages",
		"regenerate", "resolve_path", "send_message", "switch_branch",
	}, names)

	_, err := m.GetTool("home_assistant")
	require.Error(t, err)
	_, err = m.Call(context.Background(), "nope", "{}")
	require.Error(t, err)
}

func TestSendMessageTool_WaitsForReply(t *testing.T) {
	user := chat.Message{ID: "u1", ParentID: chat.RootID, Role: chat.RoleUser, Content: "hi"}
	final := chat.Message{ID: "a1", ParentID: "u1", Role: chat.RoleAssistant, Content: "hello", Status: chat.StatusComplete}
	svc := &mockConversations{
		SendMessageFunc: func(_ context.Context, id, content string, ls ...stream.Listener) (conversation.SendResult, error) {
			require.Equal(t, "c1", id)
			require.Equal(t, "hi", content)
			emitAsync(ls,
				stream.Event{Type: stream.EventDelta, MessageID: "a1", Delta: "hello"},
				stream.Event{Type: stream.EventComplete, MessageID: "a1", Message: &final},
			)
			return conversation.SendResult{User: user, Assistant: chat.Message{ID: "a1"}}, nil
		},
	}

	out, err := newManager(svc).Call(context.Background(), "send_message", `{"conversation_id":"c1","content":"hi"}`)
	require.NoError(t, err)

	var got reply
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "hello", got.Assistant.Content)
	require.Equal(t, "u1", got.User.ID)
	require.Nil(t, got.Error)
}

func TestSendMessageTool_ReportsStreamError(t *testing.T) {
	partial := chat.Message{ID: "a1", ParentID: "u1", Role: chat.RoleAssistant, Content: "hal", Status: chat.StatusFailed}
	svc := &mockConversations{
		SendMessageFunc: func(_ context.Context, _, _ string, ls ...stream.Listener) (conversation.SendResult, error) {
			emitAsync(ls, stream.Event{
				Type:      stream.EventError,
				MessageID: "a1",
				Message:   &partial,
				Err:       &stream.StreamError{Reason: stream.ReasonTransport, Message: "reset", Retryable: true},
			})
			return conversation.SendResult{}, nil
		},
	}

	out, err := newManager(svc).Call(context.Background(), "send_message", `{"conversation_id":"c1","content":"hi"}`)
	require.NoError(t, err)

	var got reply
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "hal", got.Assistant.Content)
	require.Equal(t, stream.ReasonTransport, got.Error.Reason)
	require.True(t, got.Error.Retryable)
}

func TestSendMessageTool_ContextDone(t *testing.T) {
	svc := &mockConversations{
		SendMessageFunc: func(context.Context, string, string, ...stream.Listener) (conversation.SendResult, error) {
			return conversation.SendResult{}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newManager(svc).Call(ctx, "send_message", `{"conversation_id":"c1","content":"hi"}`)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTools_MissingArguments(t *testing.T) {
	m := newManager(&mockConversations{})
	ctx := context.Background()

	_, err := m.Call(ctx, "send_message", `{"conversation_id":"c1"}`)
	require.ErrorContains(t, err, `"content"`)
	_, err = m.Call(ctx, "list_messages", ``)
	require.ErrorContains(t, err, `"conversation_id"`)
	_, err = m.Call(ctx, "switch_branch", `{"conversation_id":"c1","parent_id":"root"}`)
	require.ErrorContains(t, err, `"index"`)
	_, err = m.Call(ctx, "cancel_stream", `not json`)
	require.ErrorContains(t, err, "invalid arguments")
}

func TestEditMessageTool_AssistantEditReturnsImmediately(t *testing.T) {
	edited := chat.Message{ID: "a2", ParentID: "u1", Role: chat.RoleAssistant, Content: "fixed", Status: chat.StatusComplete}
	svc := &mockConversations{
		EditMessageFunc: func(_ context.Context, _, msgID, content string, _ ...stream.Listener) (conversation.EditResult, error) {
			require.Equal(t, "a1", msgID)
			require.Equal(t, "fixed", content)
			return conversation.EditResult{Message: edited}, nil
		},
	}

	out, err := newManager(svc).Call(context.Background(), "edit_message", `{"conversation_id":"c1","message_id":"a1","content":"fixed"}`)
	require.NoError(t, err)
	var got reply
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "a2", got.Edited.ID)
}

func TestSwitchBranchTool(t *testing.T) {
	svc := &mockConversations{
		SwitchBranchFunc: func(_ context.Context, id, parentID string, index int) (branch.Path, error) {
			require.Equal(t, "root", parentID)
			require.Equal(t, 0, index)
			return branch.Path{
				Messages:     []chat.Message{{ID: "m1", ParentID: chat.RootID, Role: chat.RoleUser, Content: "hi"}},
				BranchPoints: []branch.BranchPoint{{ParentID: chat.RootID, Count: 2, Index: 0}},
			}, nil
		},
	}
	out, err := newManager(svc).Call(context.Background(), "switch_branch", `{"conversation_id":"c1","parent_id":"root","index":0}`)
	require.NoError(t, err)

	var p branch.Path
	require.NoError(t, json.Unmarshal([]byte(out), &p))
	require.Len(t, p.Messages, 1)
	require.Equal(t, 2, p.BranchPoints[0].Count)
}

func TestCancelStreamTool(t *testing.T) {
	svc := &mockConversations{}
	_, err := newManager(svc).Call(context.Background(), "cancel_stream", `{"message_id":"a1"}`)
	require.NoError(t, err)
	require.Equal(t, []string{"a1"}, svc.cancelled)
}

func TestMCPServer_ListAndCall(t *testing.T) {
	svc := &mockConversations{
		ListMessagesFunc: func(_ context.Context, id string) ([]chat.Message, error) {
			if id == "broken" {
				return nil, errors.New("store corrupt")
			}
			return []chat.Message{{ID: "m1", ParentID: chat.RootID, Role: chat.RoleUser, Content: "hi"}}, nil
		},
	}
	s := NewMCPServer(newManager(svc), "chattree", "test")
	ctx := context.Background()

	call := func(raw string) map[string]any {
		t.Helper()
		resp := s.HandleMessage(ctx, json.RawMessage(raw))
		b, err := json.Marshal(resp)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(b, &out))
		return out
	}

	listed := call(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	tools := listed["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 9)

	ok := call(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_messages","arguments":{"conversation_id":"c1"}}}`)
	result := ok["result"].(map[string]any)
	require.Nil(t, result["isError"])
	text := result["content"].([]any)[0].(map[string]any)["text"].(string)
	require.Contains(t, text, `"m1"`)

	failed := call(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_messages","arguments":{"conversation_id":"broken"}}}`)
	result = failed["result"].(map[string]any)
	require.Equal(t, true, result["isError"])
	require.Contains(t, result["content"].([]any)[0].(map[string]any)["text"], "store corrupt")
}
