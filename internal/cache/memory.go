package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMemorySize = 10000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a bounded in-process store. The least recently used entry
// is evicted when the store is full; expired entries are dropped on read.
type MemoryStore struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemoryStore creates a store holding at most size entries
func NewMemoryStore(size int) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	return &MemoryStore{entries: entries, now: time.Now}
}

// Get returns the live value stored under key
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(entry.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores a copy of value under key for ttl
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.entries.Add(key, memoryEntry{value: buf, expiresAt: m.now().Add(ttl)})
	return nil
}

// DeletePrefix removes every key starting with prefix
func (m *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, errors.New("delete prefix: empty prefix")
	}
	removed := 0
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) && m.entries.Remove(key) {
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries held, including expired ones not yet read
func (m *MemoryStore) Len() int {
	return m.entries.Len()
}
