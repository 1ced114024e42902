// Package branch resolves a conversation tree into the single path that is
// displayed, given the user's per-parent branch selections.
package branch

import (
	"sort"

	"github.com/comigor/chattree/internal/chat"
)

// Selections maps a parent id (or chat.RootID) to the chosen child index.
// Parents without an entry show their newest child.
type Selections map[string]int

// Clone returns a copy of s.
func (s Selections) Clone() Selections {
	out := make(Selections, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// BranchPoint is a parent with more than one child on the resolved path.
type BranchPoint struct {
	ParentID string `json:"parentId"`
	Count    int    `json:"count"`
	Index    int    `json:"index"`
}

// Path is the resolved display path.
type Path struct {
	Messages     []chat.Message `json:"messages"`
	BranchPoints []BranchPoint  `json:"branchPoints"`
}

// Leaf returns the last message on the path.
func (p Path) Leaf() (chat.Message, bool) {
	if len(p.Messages) == 0 {
		return chat.Message{}, false
	}
	return p.Messages[len(p.Messages)-1], true
}

// Resolve walks from the root sentinel down to a leaf. At every parent it
// takes the selected child when the selection is in range and the last child
// by creation time otherwise. Resolve has no side effects.
func Resolve(messages []chat.Message, sel Selections) Path {
	children := index(messages)

	path := Path{Messages: []chat.Message{}, BranchPoints: []BranchPoint{}}
	visited := make(map[string]struct{}, len(messages))
	parent := chat.RootID
	for {
		kids := children[parent]
		if len(kids) == 0 {
			return path
		}
		i := choose(len(kids), sel, parent)
		if len(kids) > 1 {
			path.BranchPoints = append(path.BranchPoints, BranchPoint{ParentID: parent, Count: len(kids), Index: i})
		}
		next := kids[i]
		if _, seen := visited[next.ID]; seen {
			return path
		}
		visited[next.ID] = struct{}{}
		path.Messages = append(path.Messages, next)
		parent = next.ID
	}
}

func choose(n int, sel Selections, parent string) int {
	if i, ok := sel[parent]; ok && i >= 0 && i < n {
		return i
	}
	return n - 1
}

// index groups messages by parent, ordered by creation time. Messages with
// equal timestamps keep their input order.
func index(messages []chat.Message) map[string][]chat.Message {
	children := make(map[string][]chat.Message)
	for _, m := range messages {
		children[m.ParentID] = append(children[m.ParentID], m)
	}
	for _, kids := range children {
		sort.SliceStable(kids, func(i, j int) bool {
			return kids[i].CreatedAt.Before(kids[j].CreatedAt)
		})
	}
	return children
}
