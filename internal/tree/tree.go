// Package tree holds the in-memory message tree of one conversation.
//
// Nodes live in an id-keyed map; a derived index lists the children of every
// parent ordered by creation time, which is also the branch index order. The
// tree is not safe for concurrent use; the owning conversation serializes
// access.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/comigor/chattree/internal/chat"
)

// ErrStructural marks an illegal tree operation. It signals a bug in the
// caller and is never corrected silently.
var ErrStructural = errors.New("tree: structural integrity violation")

// ErrNotFound is returned when an id is not in the tree.
var ErrNotFound = errors.New("tree: message not found")

// InterruptedError is stored on messages that were persisted mid-stream.
const InterruptedError = "interrupted"

// Tree is an arena of messages plus a children index.
type Tree struct {
	nodes    map[string]*chat.Message
	children map[string][]string
	order    []string
	last     time.Time
	now      func() time.Time
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		nodes:    make(map[string]*chat.Message),
		children: make(map[string][]string),
		now:      time.Now,
	}
}

// Rebuild creates a tree from log records in append order. A later record for
// an id replaces the earlier one. Records left pending or streaming are
// loaded as failed.
func Rebuild(recs []chat.Message) (*Tree, error) {
	latest := make(map[string]chat.Message, len(recs))
	var ids []string
	for _, r := range recs {
		if _, seen := latest[r.ID]; !seen {
			ids = append(ids, r.ID)
		}
		latest[r.ID] = r
	}

	t := New()
	for _, id := range ids {
		m := latest[id]
		if m.Status == "" {
			m.Status = chat.StatusComplete
		}
		if !m.Status.Terminal() {
			m.Status = chat.StatusFailed
			m.Error = InterruptedError
		}
		if err := t.Insert(m); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// SetClock overrides the time source. Used by tests.
func (t *Tree) SetClock(now func() time.Time) { t.now = now }

// stamp returns the current time, never earlier than the last stamp.
func (t *Tree) stamp() time.Time {
	n := t.now()
	if n.Before(t.last) {
		n = t.last
	}
	t.last = n
	return n
}

// Insert adds m to the tree. The parent must already exist unless m is a
// thread root. Zero timestamps are stamped and an empty status reads as
// complete.
func (t *Tree) Insert(m chat.Message) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStructural, err)
	}
	if _, dup := t.nodes[m.ID]; dup {
		return fmt.Errorf("%w: duplicate id %s", ErrStructural, m.ID)
	}
	if !m.IsRoot() {
		if _, ok := t.nodes[m.ParentID]; !ok {
			return fmt.Errorf("%w: parent %s of %s does not exist", ErrStructural, m.ParentID, m.ID)
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = t.stamp()
	} else if m.CreatedAt.After(t.last) {
		t.last = m.CreatedAt
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = chat.StatusComplete
	}

	node := m
	t.nodes[m.ID] = &node
	t.order = append(t.order, m.ID)

	kids := t.children[m.ParentID]
	at := sort.Search(len(kids), func(i int) bool {
		return t.nodes[kids[i]].CreatedAt.After(m.CreatedAt)
	})
	kids = append(kids, "")
	copy(kids[at+1:], kids[at:])
	kids[at] = m.ID
	t.children[m.ParentID] = kids
	return nil
}

// Get returns a copy of the message with the given id.
func (t *Tree) Get(id string) (chat.Message, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return chat.Message{}, false
	}
	return *n, true
}

// ChildrenOf returns the children of parent (or chat.RootID) in branch order.
func (t *Tree) ChildrenOf(parent string) []chat.Message {
	kids := t.children[parent]
	out := make([]chat.Message, 0, len(kids))
	for _, id := range kids {
		out = append(out, *t.nodes[id])
	}
	return out
}

// IndexOf returns the branch index of id under its parent.
func (t *Tree) IndexOf(id string) (int, error) {
	n, ok := t.nodes[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for i, k := range t.children[n.ParentID] {
		if k == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s missing from children index", ErrStructural, id)
}

// Messages returns every message in insertion order.
func (t *Tree) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Len returns the number of messages.
func (t *Tree) Len() int { return len(t.order) }

// Begin moves a pending message to streaming.
func (t *Tree) Begin(id string) (chat.Message, error) {
	n, ok := t.nodes[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Status != chat.StatusPending {
		return chat.Message{}, fmt.Errorf("%w: begin on %s message %s", ErrStructural, n.Status, id)
	}
	n.Status = chat.StatusStreaming
	n.UpdatedAt = t.stamp()
	return *n, nil
}

// ApplyDelta appends chunk to a streaming message.
func (t *Tree) ApplyDelta(id, chunk string) (chat.Message, error) {
	n, ok := t.nodes[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Status != chat.StatusStreaming {
		return chat.Message{}, fmt.Errorf("%w: delta on %s message %s", ErrStructural, n.Status, id)
	}
	n.Content += chunk
	n.UpdatedAt = t.stamp()
	return *n, nil
}

// Final describes how Finalize closes a message.
type Final struct {
	Status chat.Status
	// Content replaces the accumulated content when non-nil.
	Content *string
	Error   string
}

// Finalize moves a pending or streaming message to a terminal status.
func (t *Tree) Finalize(id string, f Final) (chat.Message, error) {
	n, ok := t.nodes[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !f.Status.Terminal() {
		return chat.Message{}, fmt.Errorf("%w: finalize %s with non-terminal status %s", ErrStructural, id, f.Status)
	}
	if n.Status.Terminal() {
		return chat.Message{}, fmt.Errorf("%w: finalize on %s message %s", ErrStructural, n.Status, id)
	}
	if f.Content != nil {
		n.Content = *f.Content
	}
	n.Status = f.Status
	n.Error = ""
	if f.Status == chat.StatusFailed {
		n.Error = f.Error
	}
	n.UpdatedAt = t.stamp()
	return *n, nil
}

// Subtree returns id and all its descendants, parents before children.
func (t *Tree) Subtree(id string) ([]chat.Message, error) {
	if _, ok := t.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var out []chat.Message
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		out = append(out, *t.nodes[cur])
		queue = append(queue, t.children[cur]...)
	}
	return out, nil
}

// Remove deletes id and its descendants and returns the removed messages.
func (t *Tree) Remove(id string) ([]chat.Message, error) {
	gone, err := t.Subtree(id)
	if err != nil {
		return nil, err
	}
	drop := make(map[string]struct{}, len(gone))
	for _, m := range gone {
		drop[m.ID] = struct{}{}
	}

	parent := t.nodes[id].ParentID
	kids := t.children[parent][:0:0]
	for _, k := range t.children[parent] {
		if k != id {
			kids = append(kids, k)
		}
	}
	if len(kids) == 0 {
		delete(t.children, parent)
	} else {
		t.children[parent] = kids
	}

	order := t.order[:0:0]
	for _, k := range t.order {
		if _, ok := drop[k]; !ok {
			order = append(order, k)
		}
	}
	t.order = order
	for k := range drop {
		delete(t.nodes, k)
		delete(t.children, k)
	}
	return gone, nil
}
