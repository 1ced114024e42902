// Package catalog keeps a SQLite index of conversations and their branch
// selections. Messages themselves live only in the conversation logs; the
// catalog holds listing metadata and view state and can be rebuilt from the
// logs at any time.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chattree/internal/branch"
	"github.com/comigor/chattree/internal/logger"
)

// ErrNotFound is returned when a conversation is not in the catalog.
var ErrNotFound = errors.New("catalog: conversation not found")

// TitleLimit is the maximum number of runes in a derived title.
const TitleLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS selections (
    conversation_id TEXT NOT NULL,
    parent_id TEXT NOT NULL,
    child_index INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, parent_id)
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// Conversation is one catalog row.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Catalog is a SQLite-backed conversation index.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("catalog: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	c, err := NewFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.L.Info("sqlite catalog initialized", "path", path)
	return c, nil
}

// NewFromDB wraps an already opened database and creates the schema.
func NewFromDB(db *sql.DB) (*Catalog, error) {
	// SQLite has a single writer; one connection also keeps :memory: databases
	// from splitting per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert inserts or updates a conversation. An existing non-empty title is
// kept, as is the original creation time.
func (c *Catalog) Upsert(ctx context.Context, conv Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO conversations (id, title, model, created_at, updated_at, message_count)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    title = CASE WHEN conversations.title = '' THEN excluded.title ELSE conversations.title END,
    model = CASE WHEN excluded.model = '' THEN conversations.model ELSE excluded.model END,
    updated_at = excluded.updated_at,
    message_count = excluded.message_count;`,
		conv.ID, conv.Title, conv.Model, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(), conv.MessageCount)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", conv.ID, err)
	}
	return nil
}

// Get returns one conversation.
func (c *Catalog) Get(ctx context.Context, id string) (Conversation, error) {
	row := c.db.QueryRowContext(ctx, `SELECT id, title, model, created_at, updated_at, message_count FROM conversations WHERE id = ?;`, id)
	conv, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("catalog: get %s: %w", id, err)
	}
	return conv, nil
}

// List returns all conversations, most recently updated first.
func (c *Catalog) List(ctx context.Context) ([]Conversation, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, title, model, created_at, updated_at, message_count FROM conversations ORDER BY updated_at DESC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: list: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its selections. Deleting an unknown id
// is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: delete %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM selections WHERE conversation_id = ?;`, id); err != nil {
		return fmt.Errorf("catalog: delete selections %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("catalog: delete %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveSelection stores the chosen child index for parentID.
func (c *Catalog) SaveSelection(ctx context.Context, conversationID, parentID string, index int) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO selections (conversation_id, parent_id, child_index) VALUES (?, ?, ?)
ON CONFLICT(conversation_id, parent_id) DO UPDATE SET child_index = excluded.child_index;`,
		conversationID, parentID, index)
	if err != nil {
		return fmt.Errorf("catalog: save selection %s/%s: %w", conversationID, parentID, err)
	}
	return nil
}

// ClearSelection drops the stored selection for parentID, so it resolves to
// the default child again.
func (c *Catalog) ClearSelection(ctx context.Context, conversationID, parentID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM selections WHERE conversation_id = ? AND parent_id = ?;`, conversationID, parentID)
	if err != nil {
		return fmt.Errorf("catalog: clear selection %s/%s: %w", conversationID, parentID, err)
	}
	return nil
}

// LoadSelections returns the stored selections of a conversation. A
// conversation without selections yields an empty, non-nil map.
func (c *Catalog) LoadSelections(ctx context.Context, conversationID string) (branch.Selections, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT parent_id, child_index FROM selections WHERE conversation_id = ?;`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("catalog: load selections %s: %w", conversationID, err)
	}
	defer rows.Close()

	sel := branch.Selections{}
	for rows.Next() {
		var parent string
		var idx int
		if err := rows.Scan(&parent, &idx); err != nil {
			return nil, fmt.Errorf("catalog: load selections %s: %w", conversationID, err)
		}
		sel[parent] = idx
	}
	return sel, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (Conversation, error) {
	var conv Conversation
	var created, updated int64
	if err := s.Scan(&conv.ID, &conv.Title, &conv.Model, &created, &updated, &conv.MessageCount); err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(created)
	conv.UpdatedAt = time.UnixMilli(updated)
	return conv, nil
}

// Title derives a conversation title from its first user message: whitespace
// runs collapse to one space and the result is cut to TitleLimit runes.
func Title(text string) string {
	fields := strings.FieldsFunc(text, unicode.IsSpace)
	t := strings.Join(fields, " ")
	r := []rune(t)
	if len(r) > TitleLimit {
		return strings.TrimRightFunc(string(r[:TitleLimit]), unicode.IsSpace)
	}
	return t
}
