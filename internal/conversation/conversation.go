package conversation

import (
	"fmt"
	"sync"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/catalog"
	"github.com/comigor/chattree/internal/chat"
	"github.com/comigor/chattree/internal/logger"
	"github.com/comigor/chattree/internal/logstore"
	"github.com/comigor/chattree/internal/metrics"
	"github.com/comigor/chattree/internal/tree"
)

// Conversation is one open conversation: its tree, its log and its branch
// selections. All access goes through mu, which also serializes log writes.
// Conversation implements stream.Target.
type Conversation struct {
	id  string
	svc *Service

	mu   sync.Mutex
	tree *tree.Tree
	log  *logstore.Log[chat.Message]
	sel  branch.Selections
	// unsaved holds final messages whose record failed to reach the log. They
	// are written ahead of their first persisted descendant.
	unsaved map[string]struct{}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

func (c *Conversation) Begin(id string) (chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Begin(id)
}

func (c *Conversation) ApplyDelta(id, chunk string) (chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.ApplyDelta(id, chunk)
}

func (c *Conversation) Finalize(id string, f tree.Final) (chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Finalize(id, f)
}

// Persist appends a finalized message to the log and refreshes the catalog
// entry. A message that fails to persist is retried before any descendant is
// written.
func (c *Conversation) Persist(m chat.Message) error {
	c.mu.Lock()
	err := c.flushLocked(m.ParentID)
	if err == nil {
		err = c.appendLocked(m)
	}
	if err != nil {
		c.unsaved[m.ID] = struct{}{}
	} else {
		delete(c.unsaved, m.ID)
	}
	entry := c.entryLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.svc.touch(entry)
	return nil
}

// flushLocked writes the unsaved ancestors of id, id included, root first.
func (c *Conversation) flushLocked(id string) error {
	if len(c.unsaved) == 0 {
		return nil
	}
	var pending []chat.Message
	for cur := id; cur != chat.RootID; {
		m, ok := c.tree.Get(cur)
		if !ok {
			break
		}
		if _, ok := c.unsaved[cur]; ok {
			pending = append(pending, m)
		}
		cur = m.ParentID
	}
	for i := len(pending) - 1; i >= 0; i-- {
		if err := c.appendLocked(pending[i]); err != nil {
			return fmt.Errorf("write unsaved ancestor %s: %w", pending[i].ID, err)
		}
		delete(c.unsaved, pending[i].ID)
		logger.L.Info("unsaved message written", "conversation", c.id, "message", pending[i].ID)
	}
	return nil
}

func (c *Conversation) appendLocked(m chat.Message) error {
	err := c.log.Append(m)
	metrics.ObserveAppend(err)
	return err
}

// insertLocked adds m to the tree and, when persist is set, to the log after
// any unsaved ancestors. A failed append takes the message back out of the
// tree.
func (c *Conversation) insertLocked(m chat.Message, persist bool) (chat.Message, error) {
	if err := c.tree.Insert(m); err != nil {
		return chat.Message{}, err
	}
	stored, _ := c.tree.Get(m.ID)
	if !persist {
		return stored, nil
	}
	err := c.flushLocked(stored.ParentID)
	if err == nil {
		err = c.appendLocked(stored)
	}
	if err != nil {
		if _, rerr := c.tree.Remove(m.ID); rerr != nil {
			return chat.Message{}, rerr
		}
		return chat.Message{}, err
	}
	return stored, nil
}

// selectLocked makes id the selected child of its parent and returns the
// selection to store.
func (c *Conversation) selectLocked(id string) (parent string, index int, err error) {
	m, ok := c.tree.Get(id)
	if !ok {
		return "", 0, tree.ErrNotFound
	}
	index, err = c.tree.IndexOf(id)
	if err != nil {
		return "", 0, err
	}
	c.sel[m.ParentID] = index
	return m.ParentID, index, nil
}

func (c *Conversation) pathLocked() branch.Path {
	return branch.Resolve(c.tree.Messages(), c.sel)
}

// historyLocked returns the ancestors of id and id itself, root first, as
// sent upstream. Failed messages that never received content are skipped.
func (c *Conversation) historyLocked(id string) []chat.Message {
	var rev []chat.Message
	for cur := id; cur != chat.RootID; {
		m, ok := c.tree.Get(cur)
		if !ok {
			break
		}
		if !(m.Status == chat.StatusFailed && m.Content == "") {
			rev = append(rev, m)
		}
		cur = m.ParentID
	}
	out := make([]chat.Message, len(rev))
	for i, m := range rev {
		out[len(rev)-1-i] = m
	}
	return out
}

// busyLocked reports whether any message of the tree is still streaming.
func (c *Conversation) busyLocked() bool {
	for _, m := range c.tree.Messages() {
		if !m.Status.Terminal() {
			return true
		}
	}
	return false
}

// entryLocked summarizes the conversation for the catalog.
func (c *Conversation) entryLocked() catalog.Conversation {
	entry := catalog.Conversation{ID: c.id, Model: c.svc.model}
	for _, m := range c.tree.Messages() {
		if !m.Status.Terminal() {
			continue
		}
		if entry.Title == "" && m.Role == chat.RoleUser {
			entry.Title = catalog.Title(m.Content)
		}
		if entry.CreatedAt.IsZero() || m.CreatedAt.Before(entry.CreatedAt) {
			entry.CreatedAt = m.CreatedAt
		}
		if m.UpdatedAt.After(entry.UpdatedAt) {
			entry.UpdatedAt = m.UpdatedAt
		}
		entry.MessageCount++
	}
	return entry
}
