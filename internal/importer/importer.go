// Package importer loads a content export into the local document store and
// search index.
package importer

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/twistermc/attach-images/internal/storage"
)

const defaultConcurrency = 5

// Export is the JSON document read by Import
type Export struct {
	Documents   []ExportDocument   `json:"documents"`
	Attachments []ExportAttachment `json:"attachments"`
}

type ExportDocument struct {
	ID        int64        `json:"id"`
	Type      string       `json:"type"`
	Status    string       `json:"status"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	Permalink string       `json:"permalink"`
	UpdatedAt time.Time    `json:"updated_at"`
	Meta      []ExportMeta `json:"meta"`
}

type ExportMeta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ExportAttachment struct {
	ID       int64             `json:"id"`
	Title    string            `json:"title"`
	URL      string            `json:"url"`
	ParentID int64             `json:"parent_id"`
	Status   string            `json:"status"`
	MimeType string            `json:"mime_type"`
	Sizes    map[string]string `json:"sizes"`
}

// Store is the write side of the document store
type Store interface {
	GetContentHash(ctx context.Context, id int64) (string, error)
	UpsertDocument(ctx context.Context, doc *storage.Document, meta []storage.MetaEntry) error
	UpsertAttachment(ctx context.Context, a *storage.Attachment) error
}

// Indexer receives every new or changed document. Documents that are not
// posts or pages are removed from it instead.
type Indexer interface {
	IndexDocument(doc *storage.Document, meta []storage.MetaEntry) error
	Delete(id int64) error
}

// Importer handles loading exports
type Importer struct {
	store       Store
	index       Indexer
	concurrency int
}

// New creates an importer. index may be nil.
func New(store Store, index Indexer) *Importer {
	return &Importer{
		store:       store,
		index:       index,
		concurrency: defaultConcurrency,
	}
}

// Stats holds import statistics
type Stats struct {
	TotalDocuments   int
	NewDocuments     int
	UpdatedDocuments int
	SkippedDocuments int
	Attachments      int
	Errors           int
	Duration         time.Duration
}

// Decode reads an export
func Decode(r io.Reader) (*Export, error) {
	var export Export
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return &export, nil
}

// Import writes every document and attachment of export. Documents whose
// content and metadata are unchanged since the last import are skipped. A
// failing record is counted and logged; the import continues.
func (im *Importer) Import(ctx context.Context, export *Export) (*Stats, error) {
	startTime := time.Now()
	stats := &Stats{TotalDocuments: len(export.Documents)}

	log.Info().Int("documents", len(export.Documents)).Int("attachments", len(export.Attachments)).Msg("import: starting")

	docChan := make(chan *ExportDocument, len(export.Documents))
	for i := range export.Documents {
		docChan <- &export.Documents[i]
	}
	close(docChan)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for range im.concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for doc := range docChan {
				if ctx.Err() != nil {
					return
				}
				if err := im.importDocument(ctx, doc, stats, &mu); err != nil {
					log.Error().Err(err).Int64("document", doc.ID).Str("title", doc.Title).Msg("import: document failed")
					mu.Lock()
					stats.Errors++
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("import documents: %w", err)
	}

	// Attachments go in after documents so a parent always exists first.
	for i := range export.Attachments {
		a := &export.Attachments[i]
		if err := im.store.UpsertAttachment(ctx, toAttachment(a)); err != nil {
			log.Error().Err(err).Int64("attachment", a.ID).Msg("import: attachment failed")
			stats.Errors++
			continue
		}
		stats.Attachments++
	}

	stats.Duration = time.Since(startTime)
	log.Info().
		Int("new", stats.NewDocuments).
		Int("updated", stats.UpdatedDocuments).
		Int("skipped", stats.SkippedDocuments).
		Int("attachments", stats.Attachments).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("import: complete")

	return stats, nil
}

func (im *Importer) importDocument(ctx context.Context, in *ExportDocument, stats *Stats, mu *sync.Mutex) error {
	contentHash := hashDocument(in)

	existingHash, err := im.store.GetContentHash(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("get content hash: %w", err)
	}

	if existingHash == contentHash {
		mu.Lock()
		stats.SkippedDocuments++
		mu.Unlock()
		return nil
	}

	doc := &storage.Document{
		ID:          in.ID,
		Type:        in.Type,
		Status:      in.Status,
		Title:       in.Title,
		Content:     in.Content,
		ContentHash: contentHash,
		Permalink:   in.Permalink,
		UpdatedAt:   in.UpdatedAt,
	}
	if doc.Status == "" {
		doc.Status = "publish"
	}

	meta := make([]storage.MetaEntry, 0, len(in.Meta))
	for _, m := range in.Meta {
		meta = append(meta, storage.MetaEntry{PostID: in.ID, Key: m.Key, Value: m.Value})
	}

	if err := im.store.UpsertDocument(ctx, doc, meta); err != nil {
		return fmt.Errorf("store document: %w", err)
	}

	if im.index != nil {
		if err := im.indexDocument(doc, meta); err != nil {
			return err
		}
	}

	mu.Lock()
	if existingHash == "" {
		stats.NewDocuments++
	} else {
		stats.UpdatedDocuments++
	}
	mu.Unlock()

	log.Debug().Int64("document", in.ID).Str("title", in.Title).Msg("import: stored")
	return nil
}

func (im *Importer) indexDocument(doc *storage.Document, meta []storage.MetaEntry) error {
	if !slices.Contains(storage.ContentTypes, doc.Type) {
		if err := im.index.Delete(doc.ID); err != nil {
			return fmt.Errorf("unindex document: %w", err)
		}
		return nil
	}
	if err := im.index.IndexDocument(doc, meta); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	return nil
}

// hashDocument fingerprints a document together with its metadata
func hashDocument(doc *ExportDocument) string {
	var b strings.Builder
	b.WriteString(doc.Type)
	b.WriteByte(0)
	b.WriteString(doc.Title)
	b.WriteByte(0)
	b.WriteString(doc.Permalink)
	b.WriteByte(0)
	b.WriteString(doc.Content)
	for _, m := range doc.Meta {
		b.WriteByte(0)
		b.WriteString(m.Key)
		b.WriteByte('=')
		b.WriteString(m.Value)
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(b.String())))
}

func toAttachment(a *ExportAttachment) *storage.Attachment {
	return &storage.Attachment{
		ID:       a.ID,
		Title:    a.Title,
		URL:      a.URL,
		ParentID: a.ParentID,
		Status:   a.Status,
		MimeType: a.MimeType,
		Sizes:    a.Sizes,
	}
}
