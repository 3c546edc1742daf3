package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func addDocument(t *testing.T, db *DB, id int64, postType, content string, meta ...string) {
	t.Helper()
	entries := make([]MetaEntry, 0, len(meta))
	for _, v := range meta {
		entries = append(entries, MetaEntry{Key: "_thumbnail", Value: v})
	}
	require.NoError(t, db.UpsertDocument(context.Background(), &Document{
		ID:        id,
		Type:      postType,
		Status:    "publish",
		Title:     "Doc",
		Content:   content,
		Permalink: fmt.Sprintf("https://example.com/?p=%d", id),
		UpdatedAt: time.Now(),
	}, entries))
}

func addAttachment(t *testing.T, db *DB, id, parent int64) {
	t.Helper()
	require.NoError(t, db.UpsertAttachment(context.Background(), &Attachment{
		ID:       id,
		Title:    "img",
		URL:      "https://example.com/wp-content/uploads/img.jpg",
		ParentID: parent,
		MimeType: "image/jpeg",
		Sizes:    map[string]string{"thumbnail": "img-150x150.jpg"},
	}))
}

func ids(attachments []*Attachment) []int64 {
	out := make([]int64, 0, len(attachments))
	for _, a := range attachments {
		out = append(out, a.ID)
	}
	return out
}

func TestOrphanQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	for _, id := range []int64{5, 1, 3, 4, 2} {
		addAttachment(t, db, id, 0)
	}
	addAttachment(t, db, 6, 100)
	require.NoError(t, db.UpsertAttachment(ctx, &Attachment{ID: 7, URL: "x.jpg", Status: "trash"}))

	count, err := db.CountOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	tests := []struct {
		name  string
		query OrphanQuery
		want  []int64
	}{
		{name: "first page", query: OrphanQuery{Limit: 2}, want: []int64{1, 2}},
		{name: "offset", query: OrphanQuery{Offset: 3, Limit: 10}, want: []int64{4, 5}},
		{name: "exclusion", query: OrphanQuery{Limit: 2, Exclude: []int64{1, 2}}, want: []int64{3, 4}},
		{name: "all excluded", query: OrphanQuery{Limit: 2, Exclude: []int64{1, 2, 3, 4, 5}}, want: []int64{}},
		{name: "zero limit", query: OrphanQuery{Limit: 0}, want: []int64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListOrphaned(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addAttachment(t, db, 9, 0)

	got, err := db.GetAttachment(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusInherit, got.Status)
	assert.Equal(t, "img-150x150.jpg", got.Sizes["thumbnail"])
	assert.Equal(t, "img.jpg", got.Filename())
	assert.True(t, got.Orphaned())

	missing, err := db.GetAttachment(ctx, 404)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetParent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addAttachment(t, db, 1, 0)
	addAttachment(t, db, 2, 50)

	require.NoError(t, db.SetParent(ctx, 1, 10))
	a, err := db.GetAttachment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.ParentID)

	// repeating the same link is a no-op
	require.NoError(t, db.SetParent(ctx, 1, 10))

	err = db.SetParent(ctx, 2, 10)
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	err = db.SetParent(ctx, 404, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := db.CountOrphaned(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFindInContent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addDocument(t, db, 7, TypePost, `<img src="https://example.com/wp-content/uploads/photo.jpg">`)
	addDocument(t, db, 3, TypePage, `see photo.jpg here`)
	addDocument(t, db, 1, "revision", `photo.jpg`)
	addDocument(t, db, 2, "nav_menu_item", `photo.jpg`)
	addDocument(t, db, 9, TypePost, `100%_done`)

	tests := []struct {
		name     string
		patterns []string
		wantID   int64
	}{
		{name: "lowest id wins among content types", patterns: []string{"photo.jpg"}, wantID: 3},
		{name: "any pattern matches", patterns: []string{"nope.png", "uploads/photo.jpg"}, wantID: 7},
		{name: "case sensitive", patterns: []string{"PHOTO.JPG"}},
		{name: "mixed case filename does not match", patterns: []string{"Photo.JPG"}},
		{name: "percent is literal", patterns: []string{"%done"}},
		{name: "underscore is literal", patterns: []string{"1_0"}},
		{name: "literal wildcard characters match themselves", patterns: []string{"%_done"}, wantID: 9},
		{name: "no patterns", patterns: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := db.FindInContent(ctx, tt.patterns)
			require.NoError(t, err)
			if tt.wantID == 0 {
				assert.Nil(t, doc)
				return
			}
			require.NotNil(t, doc)
			assert.Equal(t, tt.wantID, doc.ID)
		})
	}
}

func TestFindInMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	addDocument(t, db, 4, TypePost, "no references", "gallery:banner.png", "other")
	addDocument(t, db, 8, TypePage, "none", "banner.png")
	addDocument(t, db, 2, "attachment", "", "banner.png")

	doc, err := db.FindInMeta(ctx, []string{"banner.png"})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(4), doc.ID)

	doc, err = db.FindInContent(ctx, []string{"banner.png"})
	require.NoError(t, err)
	assert.Nil(t, doc)

	meta, err := db.ListMeta(ctx, 4)
	require.NoError(t, err)
	require.Len(t, meta, 2)
	assert.Equal(t, "gallery:banner.png", meta[0].Value)

	doc, err = db.FindInMeta(ctx, []string{"Banner.PNG"})
	require.NoError(t, err)
	assert.Nil(t, doc, "meta matching is case sensitive")
}

func TestUpsertDocumentIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	_, err := db.db.Exec(`CREATE TRIGGER reject_meta BEFORE INSERT ON postmeta
		WHEN NEW.meta_value = 'boom' BEGIN SELECT RAISE(ABORT, 'meta rejected'); END`)
	require.NoError(t, err)

	doc := &Document{ID: 5, Type: TypePost, Status: "publish", Title: "A", Content: "x", ContentHash: "h1"}
	err = db.UpsertDocument(ctx, doc, []MetaEntry{{Key: "ok", Value: "a.jpg"}, {Key: "bad", Value: "boom"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "meta rejected")

	hash, err := db.GetContentHash(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, hash, "document row rolled back with its metadata")
	meta, err := db.ListMeta(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, meta)

	require.NoError(t, db.UpsertDocument(ctx, doc, []MetaEntry{{Key: "ok", Value: "a.jpg"}}))
	require.Error(t, db.UpsertDocument(ctx, &Document{ID: 5, Type: TypePost, Status: "publish", Title: "A", Content: "y", ContentHash: "h2"},
		[]MetaEntry{{Key: "bad", Value: "boom"}}))

	hash, err = db.GetContentHash(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "h1", hash)
	meta, err = db.ListMeta(ctx, 5)
	require.NoError(t, err)
	require.Len(t, meta, 1)
	assert.Equal(t, "a.jpg", meta[0].Value)
}

func TestContentHashAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	hash, err := db.GetContentHash(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, hash)

	require.NoError(t, db.UpsertDocument(ctx, &Document{ID: 1, Type: TypePost, Status: "publish", Title: "A", Content: "x", ContentHash: "abc"}, nil))
	hash, err = db.GetContentHash(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)

	addAttachment(t, db, 1, 0)
	addAttachment(t, db, 2, 1)
	require.NoError(t, db.CacheStore().Set(ctx, "attach_img_1", []byte("{}"), time.Hour))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Stats{Documents: 1, Attachments: 2, Orphaned: 1, CacheKeys: 1}, stats)

	docs, err := db.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "A", docs[0].Title)
}
