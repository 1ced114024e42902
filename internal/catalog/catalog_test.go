package catalog

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/chattree/internal/branch"
)

// testCatalog returns a Catalog backed by an in-memory SQLite database.
func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	c, err := NewFromDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCatalog_UpsertAndGet(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, c.Upsert(ctx, Conversation{ID: "c1", Title: "first", Model: "gpt", CreatedAt: created, UpdatedAt: created, MessageCount: 1}))

	got, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)
	require.Equal(t, "gpt", got.Model)
	require.Equal(t, 1, got.MessageCount)
	require.True(t, got.CreatedAt.Equal(created))

	later := created.Add(time.Minute)
	require.NoError(t, c.Upsert(ctx, Conversation{ID: "c1", Title: "other", CreatedAt: later, UpdatedAt: later, MessageCount: 3}))

	got, err = c.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "first", got.Title, "existing title is kept")
	require.Equal(t, "gpt", got.Model, "empty model does not clear")
	require.Equal(t, 3, got.MessageCount)
	require.True(t, got.CreatedAt.Equal(created), "creation time is kept")
	require.True(t, got.UpdatedAt.Equal(later))
}

func TestCatalog_EmptyTitleFilledLater(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Conversation{ID: "c1"}))
	require.NoError(t, c.Upsert(ctx, Conversation{ID: "c1", Title: "now titled"}))

	got, err := c.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "now titled", got.Title)
}

func TestCatalog_GetMissing(t *testing.T) {
	c := testCatalog(t)
	_, err := c.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCatalog_ListNewestFirst(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, c.Upsert(ctx, Conversation{ID: "old", CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, c.Upsert(ctx, Conversation{ID: "new", CreatedAt: base, UpdatedAt: base.Add(time.Hour)}))
	require.NoError(t, c.Upsert(ctx, Conversation{ID: "mid", CreatedAt: base, UpdatedAt: base.Add(time.Minute)}))

	list, err := c.List(ctx)
	require.NoError(t, err)
	var ids []string
	for _, conv := range list {
		ids = append(ids, conv.ID)
	}
	require.Equal(t, []string{"new", "mid", "old"}, ids)
}

func TestCatalog_Selections(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	sel, err := c.LoadSelections(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, sel)
	require.Empty(t, sel)

	require.NoError(t, c.SaveSelection(ctx, "c1", "root", 0))
	require.NoError(t, c.SaveSelection(ctx, "c1", "m1", 2))
	require.NoError(t, c.SaveSelection(ctx, "c1", "m1", 1))
	require.NoError(t, c.SaveSelection(ctx, "c2", "m1", 5))

	sel, err = c.LoadSelections(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, branch.Selections{"root": 0, "m1": 1}, sel)

	require.NoError(t, c.ClearSelection(ctx, "c1", "m1"))
	require.NoError(t, c.ClearSelection(ctx, "c1", "missing"))
	sel, err = c.LoadSelections(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, branch.Selections{"root": 0}, sel)
}

func TestCatalog_DeleteRemovesSelections(t *testing.T) {
	c := testCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Upsert(ctx, Conversation{ID: "c1", Title: "x"}))
	require.NoError(t, c.SaveSelection(ctx, "c1", "m1", 1))
	require.NoError(t, c.Delete(ctx, "c1"))
	require.NoError(t, c.Delete(ctx, "c1"))

	_, err := c.Get(ctx, "c1")
	require.ErrorIs(t, err, ErrNotFound)
	sel, err := c.LoadSelections(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, sel)
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Upsert(context.Background(), Conversation{ID: "c1"}))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Get(context.Background(), "c1")
	require.NoError(t, err)
}

func TestTitle(t *testing.T) {
	require.Equal(t, "hello world", Title("  hello\n\n  world \t"))
	require.Equal(t, "", Title("   "))

	long := strings.Repeat("é", 80)
	require.Equal(t, strings.Repeat("é", TitleLimit), Title(long))

	cut := Title(strings.Repeat("a", 49) + " tail")
	require.Equal(t, strings.Repeat("a", 49), cut)
}
