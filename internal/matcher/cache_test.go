package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistermc/attach-images/internal/cache"
)

type recordingStore struct {
	cache.Store
	ttls map[string]time.Duration
}

func (r *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	r.ttls[key] = ttl
	return r.Store.Set(ctx, key, value, ttl)
}

func TestCachePolicyDefaults(t *testing.T) {
	t.Parallel()

	c := NewCache(cache.NewMemoryStore(10), CachePolicy{PositiveTTL: 2 * time.Hour})
	assert.Equal(t, CachePolicy{Prefix: "attach_img_", PositiveTTL: 2 * time.Hour, NegativeTTL: 30 * time.Minute}, c.Policy())
	assert.Equal(t, "attach_img_42", c.Key(42))
}

func TestCacheTTLByResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := &recordingStore{Store: cache.NewMemoryStore(10), ttls: map[string]time.Duration{}}
	c := NewCache(store, DefaultCachePolicy())

	c.Set(ctx, 1, Result{Found: true, DocumentID: 9, DocumentTitle: "Post"})
	c.Set(ctx, 2, NotFound)

	assert.Equal(t, time.Hour, store.ttls["attach_img_1"])
	assert.Equal(t, 30*time.Minute, store.ttls["attach_img_2"])

	got, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, Result{Found: true, DocumentID: 9, DocumentTitle: "Post"}, got)

	got, ok = c.Get(ctx, 2)
	require.True(t, ok, "negative results are cached too")
	assert.False(t, got.Found)

	_, ok = c.Get(ctx, 3)
	assert.False(t, ok)
}

func TestCacheDiscardsUnreadableEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := cache.NewMemoryStore(10)
	require.NoError(t, store.Set(ctx, "attach_img_5", []byte("not json"), time.Hour))

	c := NewCache(store, DefaultCachePolicy())
	_, ok := c.Get(ctx, 5)
	assert.False(t, ok)
}

func TestCacheInvalidateAllKeepsForeignKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := cache.NewMemoryStore(10)
	require.NoError(t, store.Set(ctx, "session_abc", []byte("x"), time.Hour))

	c := NewCache(store, DefaultCachePolicy())
	c.Set(ctx, 1, NotFound)
	c.Set(ctx, 2, Result{Found: true, DocumentID: 3})

	removed, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := store.Get(ctx, "session_abc")
	require.NoError(t, err)
	assert.True(t, ok)
}
