// Package matcher finds the document that references an attachment.
package matcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/storage"
)

// Result is the outcome of a match: a referencing document, or not found
type Result struct {
	Found         bool   `json:"found"`
	DocumentID    int64  `json:"document_id,omitempty"`
	DocumentTitle string `json:"document_title,omitempty"`
	Permalink     string `json:"permalink,omitempty"`
}

// NotFound is the negative match result
var NotFound = Result{}

// Searcher runs OR-combined literal substring searches over the
// content-bearing documents of a repository. Both methods return the
// matching document with the lowest ID, or nil.
type Searcher interface {
	FindInContent(ctx context.Context, patterns []string) (*storage.Document, error)
	FindInMeta(ctx context.Context, patterns []string) (*storage.Document, error)
}

// Observer receives match and cache events, e.g. for metrics
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheError()
	Searched(stage string, found bool)
}

// Search stages reported to the Observer
const (
	StageContent = "content"
	StageMeta    = "meta"
)

type nopObserver struct{}

func (nopObserver) CacheHit()             {}
func (nopObserver) CacheMiss()            {}
func (nopObserver) CacheError()           {}
func (nopObserver) Searched(string, bool) {}

// Matcher resolves attachments to referencing documents, reading through
// the cache. It never mutates attachments or documents.
type Matcher struct {
	searcher  Searcher
	cache     *Cache
	generator Generator
	obs       Observer
}

// Option configures a Matcher
type Option func(*Matcher)

// WithObserver reports cache and search events to obs
func WithObserver(obs Observer) Option {
	return func(m *Matcher) {
		if obs != nil {
			m.obs = obs
		}
	}
}

// New creates a matcher. A nil cache disables caching.
func New(searcher Searcher, cache *Cache, generator Generator, opts ...Option) *Matcher {
	m := &Matcher{
		searcher:  searcher,
		cache:     cache,
		generator: generator,
		obs:       nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache != nil {
		m.cache.obs = m.obs
	}
	return m
}

// Cache returns the match cache, or nil
func (m *Matcher) Cache() *Cache {
	return m.cache
}

// Patterns returns the capped search patterns for a
func (m *Matcher) Patterns(a *storage.Attachment) []string {
	return Limit(m.generator.Patterns(a))
}

// Match returns the document referencing a. A live cache entry is returned
// without touching the repository; otherwise primary content is searched
// first, then metadata, and the outcome is cached. Repository errors are
// returned and nothing is cached for them.
func (m *Matcher) Match(ctx context.Context, a *storage.Attachment) (Result, error) {
	if m.cache != nil {
		if result, ok := m.cache.Get(ctx, a.ID); ok {
			m.obs.CacheHit()
			return result, nil
		}
		m.obs.CacheMiss()
	}

	result, err := m.Search(ctx, a)
	if err != nil {
		return NotFound, err
	}

	if m.cache != nil {
		m.cache.Set(ctx, a.ID, result)
	}
	return result, nil
}

// Search performs the live repository lookup for a, bypassing the cache
func (m *Matcher) Search(ctx context.Context, a *storage.Attachment) (Result, error) {
	patterns := m.Patterns(a)
	if len(patterns) == 0 {
		log.Debug().Int64("attachment", a.ID).Msg("matcher: no usable patterns")
		return NotFound, nil
	}

	doc, err := m.searcher.FindInContent(ctx, patterns)
	if err != nil {
		return NotFound, fmt.Errorf("search content: %w", err)
	}
	m.obs.Searched(StageContent, doc != nil)
	if doc != nil {
		return found(doc), nil
	}

	doc, err = m.searcher.FindInMeta(ctx, patterns)
	if err != nil {
		return NotFound, fmt.Errorf("search meta: %w", err)
	}
	m.obs.Searched(StageMeta, doc != nil)
	if doc != nil {
		return found(doc), nil
	}

	return NotFound, nil
}

func found(doc *storage.Document) Result {
	return Result{
		Found:         true,
		DocumentID:    doc.ID,
		DocumentTitle: doc.Title,
		Permalink:     doc.Permalink,
	}
}
