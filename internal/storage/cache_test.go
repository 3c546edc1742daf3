package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := db.CacheStore()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "attach_img_1", []byte(`{"found":true}`), time.Hour))
	require.NoError(t, store.Set(ctx, "attach_img_2", []byte(`{"found":false}`), 30*time.Minute))
	require.NoError(t, store.Set(ctx, "other_1", []byte("x"), time.Hour))

	value, ok, err := store.Get(ctx, "attach_img_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"found":true}`, string(value))

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(45 * time.Minute)
	_, ok, err = store.Get(ctx, "attach_img_2")
	require.NoError(t, err)
	assert.False(t, ok, "negative entry expired after 30m")

	_, ok, err = store.Get(ctx, "attach_img_1")
	require.NoError(t, err)
	assert.True(t, ok, "positive entry lives for an hour")

	// overwrite resets the expiry
	require.NoError(t, store.Set(ctx, "attach_img_1", []byte(`{"found":true}`), time.Hour))
	now = now.Add(30 * time.Minute)
	_, ok, err = store.Get(ctx, "attach_img_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheStoreDeletePrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)
	store := db.CacheStore()

	for _, key := range []string{"attach_img_1", "attach_img_2", "attach_img_30", "attach_other", "xattach_img_4"} {
		require.NoError(t, store.Set(ctx, key, []byte("{}"), time.Hour))
	}

	removed, err := store.DeletePrefix(ctx, "attach_img_")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	for _, key := range []string{"attach_other", "xattach_img_4"} {
		_, ok, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	removed, err = store.DeletePrefix(ctx, "attach_img_")
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = store.DeletePrefix(ctx, "")
	assert.Error(t, err)
}

func TestCacheStoreDeletePrefixMultibyte(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestDB(t).CacheStore()

	for _, key := range []string{"bilder_ä_1", "bilder_ä_2", "bilder_a_3"} {
		require.NoError(t, store.Set(ctx, key, []byte("{}"), time.Hour))
	}

	removed, err := store.DeletePrefix(ctx, "bilder_ä_")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := store.Get(ctx, "bilder_a_3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCacheStorePurgeExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := newTestDB(t)

	now := time.Now()
	store := db.CacheStore()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Hour))

	now = now.Add(2 * time.Minute)
	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}
