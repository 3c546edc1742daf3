package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/twistermc/attach-images/internal/storage"
)

// Index wraps a Bleve index over document content and metadata values.
// Content and meta values are indexed as single untokenized terms so a
// wildcard query behaves as a literal substring test.
type Index struct {
	index bleve.Index
}

// IndexedDocument represents a document in the search index
type IndexedDocument struct {
	PostID    float64
	Type      string
	Title     string
	Permalink string
	Content   string
	Meta      []string
}

// Open opens or creates a Bleve index
func Open(path string) (*Index, error) {
	var idx bleve.Index
	var err error

	// Try to open existing index
	idx, err = bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenMem creates an index held in memory only
func OpenMem() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping keeps every searchable field as one keyword term
func buildIndexMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.IncludeTermVectors = false
	keywordField.IncludeInAll = false
	keywordField.Store = false

	typeField := bleve.NewTextFieldMapping()
	typeField.Analyzer = keyword.Name
	typeField.IncludeTermVectors = false
	typeField.IncludeInAll = false
	typeField.Store = true

	storedField := bleve.NewTextFieldMapping()
	storedField.Index = false
	storedField.Store = true
	storedField.IncludeInAll = false

	idField := bleve.NewNumericFieldMapping()
	idField.Store = true
	idField.IncludeInAll = false

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("PostID", idField)
	docMapping.AddFieldMappingsAt("Type", typeField)
	docMapping.AddFieldMappingsAt("Title", storedField)
	docMapping.AddFieldMappingsAt("Permalink", storedField)
	docMapping.AddFieldMappingsAt("Content", keywordField)
	docMapping.AddFieldMappingsAt("Meta", keywordField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = keyword.Name

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// IndexDocument adds or updates a document and its metadata values
func (i *Index) IndexDocument(doc *storage.Document, meta []storage.MetaEntry) error {
	return i.index.Index(docID(doc.ID), toIndexed(doc, meta))
}

// Delete removes a document from the index
func (i *Index) Delete(id int64) error {
	return i.index.Delete(docID(id))
}

// FindInContent returns the lowest-ID post or page whose content contains
// any pattern. Patterns containing * or ? widen the match, since bleve
// treats them as wildcards.
func (i *Index) FindInContent(ctx context.Context, patterns []string) (*storage.Document, error) {
	return i.findFirst(ctx, "Content", patterns)
}

// FindInMeta returns the lowest-ID post or page with a metadata value
// containing any pattern
func (i *Index) FindInMeta(ctx context.Context, patterns []string) (*storage.Document, error) {
	return i.findFirst(ctx, "Meta", patterns)
}

func (i *Index) findFirst(ctx context.Context, field string, patterns []string) (*storage.Document, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	types := make([]query.Query, 0, len(storage.ContentTypes))
	for _, t := range storage.ContentTypes {
		q := bleve.NewTermQuery(t)
		q.SetField("Type")
		types = append(types, q)
	}

	matches := make([]query.Query, 0, len(patterns))
	for _, p := range patterns {
		q := bleve.NewWildcardQuery("*" + foldNewlines(p) + "*")
		q.SetField(field)
		matches = append(matches, q)
	}

	q := bleve.NewConjunctionQuery(
		bleve.NewDisjunctionQuery(types...),
		bleve.NewDisjunctionQuery(matches...),
	)

	req := bleve.NewSearchRequestOptions(q, 1, 0, false)
	req.SortBy([]string{"PostID"})
	req.Fields = []string{"PostID", "Type", "Title", "Permalink"}

	results, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", field, err)
	}
	if len(results.Hits) == 0 {
		return nil, nil
	}

	hit := results.Hits[0]
	id, err := strconv.ParseInt(hit.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse hit id %q: %w", hit.ID, err)
	}

	doc := &storage.Document{ID: id}
	if t, ok := hit.Fields["Type"].(string); ok {
		doc.Type = t
	}
	if title, ok := hit.Fields["Title"].(string); ok {
		doc.Title = title
	}
	if permalink, ok := hit.Fields["Permalink"].(string); ok {
		doc.Permalink = permalink
	}
	return doc, nil
}

// Rebuild indexes every content-bearing document in db in one batch.
// progressFn, if set, is called after each document.
func (i *Index) Rebuild(ctx context.Context, db *storage.DB, progressFn func(current, total int)) error {
	docs, err := db.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	batch := i.index.NewBatch()
	for n, doc := range docs {
		meta, err := db.ListMeta(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("list meta %d: %w", doc.ID, err)
		}

		if err := batch.Index(docID(doc.ID), toIndexed(doc, meta)); err != nil {
			return fmt.Errorf("batch index %d: %w", doc.ID, err)
		}

		if progressFn != nil {
			progressFn(n+1, len(docs))
		}
	}

	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	return nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}

func toIndexed(doc *storage.Document, meta []storage.MetaEntry) *IndexedDocument {
	values := make([]string, 0, len(meta))
	for _, entry := range meta {
		values = append(values, foldNewlines(entry.Value))
	}
	return &IndexedDocument{
		PostID:    float64(doc.ID),
		Type:      doc.Type,
		Title:     doc.Title,
		Permalink: doc.Permalink,
		Content:   foldNewlines(doc.Content),
		Meta:      values,
	}
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// foldNewlines replaces line feeds with NUL. Wildcard queries compile to
// regexps whose "." never matches a newline.
func foldNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", "\x00")
}
