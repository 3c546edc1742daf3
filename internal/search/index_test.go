package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistermc/attach-images/internal/storage"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func index(t *testing.T, idx *Index, doc *storage.Document, meta ...string) {
	t.Helper()
	entries := make([]storage.MetaEntry, 0, len(meta))
	for _, v := range meta {
		entries = append(entries, storage.MetaEntry{PostID: doc.ID, Key: "k", Value: v})
	}
	require.NoError(t, idx.IndexDocument(doc, entries))
}

func TestFindInContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := newTestIndex(t)

	index(t, idx, &storage.Document{ID: 12, Type: storage.TypePost, Title: "Twelve", Permalink: "https://example.com/12",
		Content: "<p>Intro</p>\n\n" + `<img src="https://example.com/wp-content/uploads/2024/01/photo.jpg" alt="">`})
	index(t, idx, &storage.Document{ID: 3, Type: storage.TypePage, Title: "Three",
		Content: "<!-- wp:image -->\n<figure><img src=\"/wp-content/uploads/2024/01/photo.jpg\"/></figure>\n<!-- /wp:image -->"})
	index(t, idx, &storage.Document{ID: 1, Type: "revision", Content: "photo.jpg"})
	index(t, idx, &storage.Document{ID: 2, Type: storage.TypePost, Content: "PHOTO.JPG"})

	doc, err := idx.FindInContent(ctx, []string{"photo.jpg"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(3), doc.ID, "lowest id among posts and pages")
	assert.Equal(t, "Three", doc.Title)
	assert.Equal(t, storage.TypePage, doc.Type)

	doc, err = idx.FindInContent(ctx, []string{"missing.png", "example.com/wp-content/uploads/2024/01/photo.jpg"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(12), doc.ID)
	assert.Equal(t, "https://example.com/12", doc.Permalink)

	doc, err = idx.FindInContent(ctx, []string{"nothing-here.gif"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	doc, err = idx.FindInContent(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFindInMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := newTestIndex(t)

	index(t, idx, &storage.Document{ID: 8, Type: storage.TypePost, Content: "no images"}, "hero: banner.png", "unrelated")
	index(t, idx, &storage.Document{ID: 9, Type: storage.TypePage, Content: "none"}, "banner.png")

	doc, err := idx.FindInMeta(ctx, []string{"banner.png"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(8), doc.ID)
	assert.Equal(t, storage.TypePost, doc.Type)

	doc, err = idx.FindInContent(ctx, []string{"banner.png"})
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestReindexAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := newTestIndex(t)

	index(t, idx, &storage.Document{ID: 5, Type: storage.TypePost, Content: "old.jpg"})
	index(t, idx, &storage.Document{ID: 5, Type: storage.TypePost, Content: "new.jpg"})

	doc, err := idx.FindInContent(ctx, []string{"old.jpg"})
	require.NoError(t, err)
	assert.Nil(t, doc, "updated document no longer matches its old content")

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	require.NoError(t, idx.Delete(5))
	count, err = idx.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRebuildFromDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertDocument(ctx, &storage.Document{ID: 1, Type: storage.TypePost, Status: "publish", Title: "A", Content: "a.jpg"}, nil))
	require.NoError(t, db.UpsertDocument(ctx, &storage.Document{ID: 2, Type: storage.TypePage, Status: "publish", Title: "B", Content: "none"},
		[]storage.MetaEntry{{Key: "_thumb", Value: "b.jpg"}}))
	require.NoError(t, db.UpsertDocument(ctx, &storage.Document{ID: 3, Type: "nav_menu_item", Status: "publish", Title: "C", Content: "a.jpg"}, nil))

	idx, err := Open(filepath.Join(t.TempDir(), "index.bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	var calls int
	require.NoError(t, idx.Rebuild(ctx, db, func(current, total int) {
		calls++
		assert.Equal(t, 2, total)
	}))
	assert.Equal(t, 2, calls)

	doc, err := idx.FindInMeta(ctx, []string{"b.jpg"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(2), doc.ID)
}
