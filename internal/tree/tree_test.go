package tree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chattree/internal/chat"
)

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func newTree() *Tree {
	t := New()
	t.SetClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	return t
}

func msg(id, parent string, role chat.Role) chat.Message {
	return chat.Message{ID: id, ParentID: parent, Role: role}
}

func TestInsert_RequiresExistingParent(t *testing.T) {
	tr := newTree()
	require.NoError(t, tr.Insert(msg("m1", chat.RootID, chat.RoleUser)))
	require.ErrorIs(t, tr.Insert(msg("m2", "ghost", chat.RoleAssistant)), ErrStructural)
	require.ErrorIs(t, tr.Insert(msg("m1", chat.RootID, chat.RoleUser)), ErrStructural)
}

func TestInsert_DefaultsStatusAndTimestamps(t *testing.T) {
	tr := newTree()
	require.NoError(t, tr.Insert(msg("m1", chat.RootID, chat.RoleUser)))
	m, ok := tr.Get("m1")
	require.True(t, ok)
	require.Equal(t, chat.StatusComplete, m.Status)
	require.False(t, m.CreatedAt.IsZero())
	require.Equal(t, m.CreatedAt, m.UpdatedAt)
}

func TestChildrenOf_OrderedByCreation(t *testing.T) {
	tr := newTree()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tr.Insert(chat.Message{ID: "u", ParentID: chat.RootID, Role: chat.RoleUser, CreatedAt: base}))
	// Appended out of order, as happens when a later regeneration finishes first.
	require.NoError(t, tr.Insert(chat.Message{ID: "a3", ParentID: "u", Role: chat.RoleAssistant, CreatedAt: base.Add(3 * time.Second)}))
	require.NoError(t, tr.Insert(chat.Message{ID: "a1", ParentID: "u", Role: chat.RoleAssistant, CreatedAt: base.Add(1 * time.Second)}))
	require.NoError(t, tr.Insert(chat.Message{ID: "a2", ParentID: "u", Role: chat.RoleAssistant, CreatedAt: base.Add(2 * time.Second)}))

	var ids []string
	for _, c := range tr.ChildrenOf("u") {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"a1", "a2", "a3"}, ids)

	idx, err := tr.IndexOf("a2")
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}

func TestStreamingLifecycle(t *testing.T) {
	tr := newTree()
	require.NoError(t, tr.Insert(msg("u", chat.RootID, chat.RoleUser)))
	a := msg("a", "u", chat.RoleAssistant)
	a.Status = chat.StatusPending
	require.NoError(t, tr.Insert(a))

	_, err := tr.ApplyDelta("a", "x")
	require.ErrorIs(t, err, ErrStructural, "delta before streaming")

	_, err = tr.Begin("a")
	require.NoError(t, err)

	m1, err := tr.ApplyDelta("a", "Hel")
	require.NoError(t, err)
	m2, err := tr.ApplyDelta("a", "lo")
	require.NoError(t, err)
	require.Equal(t, "Hello", m2.Content)
	require.True(t, m2.UpdatedAt.After(m1.UpdatedAt))

	done, err := tr.Finalize("a", Final{Status: chat.StatusComplete})
	require.NoError(t, err)
	require.Equal(t, "Hello", done.Content)
	require.Equal(t, chat.StatusComplete, done.Status)

	_, err = tr.ApplyDelta("a", "!")
	require.ErrorIs(t, err, ErrStructural)
	_, err = tr.Finalize("a", Final{Status: chat.StatusFailed})
	require.ErrorIs(t, err, ErrStructural)
}

func TestFinalize_ReplacesContentAndRecordsError(t *testing.T) {
	tr := newTree()
	require.NoError(t, tr.Insert(msg("u", chat.RootID, chat.RoleUser)))
	a := msg("a", "u", chat.RoleAssistant)
	a.Status = chat.StatusPending
	require.NoError(t, tr.Insert(a))

	full := "whole answer"
	m, err := tr.Finalize("a", Final{Status: chat.StatusComplete, Content: &full})
	require.NoError(t, err)
	require.Equal(t, full, m.Content)
	require.Empty(t, m.Error)

	b := msg("b", "u", chat.RoleAssistant)
	b.Status = chat.StatusPending
	require.NoError(t, tr.Insert(b))
	_, err = tr.Begin("b")
	require.NoError(t, err)
	_, err = tr.ApplyDelta("b", "part")
	require.NoError(t, err)
	m, err = tr.Finalize("b", Final{Status: chat.StatusFailed, Error: "boom"})
	require.NoError(t, err)
	require.Equal(t, "part", m.Content)
	require.Equal(t, "boom", m.Error)

	_, err = tr.Finalize("b", Final{Status: chat.StatusStreaming})
	require.ErrorIs(t, err, ErrStructural)
}

func TestRebuild(t *testing.T) {
	recs := []chat.Message{
		{ID: "m1", ParentID: chat.RootID, Role: chat.RoleUser, Content: "hi"},
		{ID: "m2", ParentID: "m1", Role: chat.RoleAssistant, Content: "hel", Status: chat.StatusStreaming},
		{ID: "m3", ParentID: "m1", Role: chat.RoleAssistant, Content: "old", Status: chat.StatusComplete},
		{ID: "m3", ParentID: "m1", Role: chat.RoleAssistant, Content: "new", Status: chat.StatusComplete},
	}
	tr, err := Rebuild(recs)
	require.NoError(t, err)
	require.Equal(t, 3, tr.Len())

	m2, _ := tr.Get("m2")
	require.Equal(t, chat.StatusFailed, m2.Status)
	require.Equal(t, InterruptedError, m2.Error)
	require.Equal(t, "hel", m2.Content)

	m3, _ := tr.Get("m3")
	require.Equal(t, "new", m3.Content)

	_, err = Rebuild([]chat.Message{{ID: "x", ParentID: "missing", Role: chat.RoleUser}})
	require.ErrorIs(t, err, ErrStructural)
}

func TestRemove_DropsSubtree(t *testing.T) {
	tr := newTree()
	require.NoError(t, tr.Insert(msg("u1", chat.RootID, chat.RoleUser)))
	require.NoError(t, tr.Insert(msg("a1", "u1", chat.RoleAssistant)))
	require.NoError(t, tr.Insert(msg("a2", "u1", chat.RoleAssistant)))
	require.NoError(t, tr.Insert(msg("u2", "a1", chat.RoleUser)))

	gone, err := tr.Remove("a1")
	require.NoError(t, err)
	require.Len(t, gone, 2)
	require.Equal(t, 2, tr.Len())

	_, ok := tr.Get("u2")
	require.False(t, ok)
	kids := tr.ChildrenOf("u1")
	require.Len(t, kids, 1)
	require.Equal(t, "a2", kids[0].ID)

	_, err = tr.Remove("a1")
	require.ErrorIs(t, err, ErrNotFound)
}
