package branch

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chattree/internal/chat"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(id, parent string, role chat.Role, sec int) chat.Message {
	return chat.Message{
		ID:        id,
		ParentID:  parent,
		Role:      role,
		Status:    chat.StatusComplete,
		CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(p Path) []string {
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.ID)
	}
	return out
}

func TestResolve_EmptyTree(t *testing.T) {
	p := Resolve(nil, nil)
	require.Empty(t, p.Messages)
	require.Empty(t, p.BranchPoints)
	_, ok := p.Leaf()
	require.False(t, ok)
}

func TestResolve_LinearThread(t *testing.T) {
	msgs := []chat.Message{
		{ID: "m1", ParentID: chat.RootID, Role: chat.RoleUser, Content: "hi"},
		{ID: "m2", ParentID: "m1", Role: chat.RoleAssistant, Content: "hello", Status: chat.StatusComplete},
	}
	p := Resolve(msgs, Selections{})
	require.Equal(t, []string{"m1", "m2"}, ids(p))
	require.Empty(t, p.BranchPoints)
}

func TestResolve_DefaultsToNewestChild(t *testing.T) {
	msgs := []chat.Message{
		at("u1", chat.RootID, chat.RoleUser, 0),
		at("a1", "u1", chat.RoleAssistant, 1),
		at("u1b", chat.RootID, chat.RoleUser, 5),
		at("a1b", "u1b", chat.RoleAssistant, 6),
	}
	p := Resolve(msgs, nil)
	require.Equal(t, []string{"u1b", "a1b"}, ids(p))
	require.Equal(t, []BranchPoint{{ParentID: chat.RootID, Count: 2, Index: 1}}, p.BranchPoints)

	p = Resolve(msgs, Selections{chat.RootID: 0})
	require.Equal(t, []string{"u1", "a1"}, ids(p))
	require.Equal(t, []BranchPoint{{ParentID: chat.RootID, Count: 2, Index: 0}}, p.BranchPoints)
}

func TestResolve_OrdersByCreationNotInputOrder(t *testing.T) {
	msgs := []chat.Message{
		at("u", chat.RootID, chat.RoleUser, 0),
		at("late", "u", chat.RoleAssistant, 9),
		at("early", "u", chat.RoleAssistant, 2),
	}
	p := Resolve(msgs, Selections{"u": 0})
	require.Equal(t, []string{"u", "early"}, ids(p))
}

func TestResolve_OutOfRangeSelectionFallsBackAtThatNodeOnly(t *testing.T) {
	msgs := []chat.Message{
		at("u1", chat.RootID, chat.RoleUser, 0),
		at("a1", "u1", chat.RoleAssistant, 1),
		at("a2", "u1", chat.RoleAssistant, 2),
		at("u2", "a1", chat.RoleUser, 3),
		at("u3", "a1", chat.RoleUser, 4),
	}
	sel := Selections{"u1": 0, "a1": 0}
	require.Equal(t, []string{"u1", "a1", "u2"}, ids(Resolve(msgs, sel)))

	sel = Selections{"u1": 7, "a2": 0}
	require.Equal(t, []string{"u1", "a2"}, ids(Resolve(msgs, sel)))

	sel = Selections{"u1": 0, "a1": -3}
	p := Resolve(msgs, sel)
	require.Equal(t, []string{"u1", "a1", "u3"}, ids(p))
	require.Equal(t, []BranchPoint{
		{ParentID: "u1", Count: 2, Index: 0},
		{ParentID: "a1", Count: 2, Index: 1},
	}, p.BranchPoints)
}

func TestResolve_DoesNotMutateInput(t *testing.T) {
	msgs := []chat.Message{
		at("u", chat.RootID, chat.RoleUser, 0),
		at("b", "u", chat.RoleAssistant, 5),
		at("a", "u", chat.RoleAssistant, 1),
	}
	sel := Selections{"u": 0}
	before := append([]chat.Message(nil), msgs...)
	_ = Resolve(msgs, sel)
	require.Equal(t, before, msgs)
	require.Equal(t, Selections{"u": 0}, sel)
}

// TestResolve_RandomTrees checks path and branch point invariants on random
// trees with random, partly out-of-range selections.
func TestResolve_RandomTrees(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		n := rng.Intn(30)
		msgs := make([]chat.Message, 0, n)
		for i := 0; i < n; i++ {
			parent := chat.RootID
			if i > 0 && rng.Intn(4) != 0 {
				parent = msgs[rng.Intn(i)].ID
			}
			msgs = append(msgs, at(fmt.Sprintf("n%d", i), parent, chat.RoleUser, i))
		}
		sel := Selections{}
		for i := 0; i < n/2; i++ {
			sel[msgs[rng.Intn(n)].ID] = rng.Intn(5) - 1
		}

		p := Resolve(msgs, sel)
		byID := map[string]chat.Message{}
		kids := map[string]int{}
		for _, m := range msgs {
			byID[m.ID] = m
			kids[m.ParentID]++
		}

		prev := chat.RootID
		for _, m := range p.Messages {
			require.Equal(t, prev, m.ParentID, "path must follow parent links")
			prev = m.ID
		}
		require.Zero(t, kids[prev], "path must end at a leaf")
		for _, bp := range p.BranchPoints {
			require.Greater(t, bp.Count, 1)
			require.Equal(t, kids[bp.ParentID], bp.Count)
			require.GreaterOrEqual(t, bp.Index, 0)
			require.Less(t, bp.Index, bp.Count)
		}
		require.Equal(t, p, Resolve(msgs, sel), "resolution is deterministic")
	}
}
