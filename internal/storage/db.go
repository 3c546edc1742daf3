package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyAttached indicates the attachment gained a parent after it was fetched
	ErrAlreadyAttached = errors.New("attachment already has a parent")
)

// DB wraps SQLite database operations
type DB struct {
	db *sql.DB
}

// OrphanQuery selects one page of orphaned attachments
type OrphanQuery struct {
	Offset  int
	Limit   int
	Exclude []int64
}

// Stats holds repository counts
type Stats struct {
	Documents   int
	Attachments int
	Orphaned    int
	CacheKeys   int
}

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	storage := &DB{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates tables if they don't exist
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY,
		post_type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'publish',
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		permalink TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS postmeta (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		post_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		meta_key TEXT NOT NULL,
		meta_value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'inherit',
		mime_type TEXT NOT NULL DEFAULT '',
		sizes TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_post_type ON documents(post_type);
	CREATE INDEX IF NOT EXISTS idx_meta_post ON postmeta(post_id);
	CREATE INDEX IF NOT EXISTS idx_orphans ON attachments(parent_id, status, id);
	CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(expires_at);
	`

	_, err := d.db.Exec(schema)
	return err
}

// UpsertDocument inserts or updates a document and swaps all of its
// metadata rows for meta. Both writes commit together, so a stored
// content_hash always has its metadata next to it.
func (d *DB) UpsertDocument(ctx context.Context, doc *Document, meta []MetaEntry) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO documents (
		id, post_type, status, title, content, content_hash, permalink, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		post_type = excluded.post_type,
		status = excluded.status,
		title = excluded.title,
		content = excluded.content,
		content_hash = excluded.content_hash,
		permalink = excluded.permalink,
		updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		doc.ID, doc.Type, doc.Status, doc.Title, doc.Content, doc.ContentHash, doc.Permalink, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM postmeta WHERE post_id = ?", doc.ID); err != nil {
		return fmt.Errorf("delete meta: %w", err)
	}

	for _, entry := range meta {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO postmeta (post_id, meta_key, meta_value) VALUES (?, ?, ?)",
			doc.ID, entry.Key, entry.Value,
		)
		if err != nil {
			return fmt.Errorf("insert meta %q: %w", entry.Key, err)
		}
	}

	return tx.Commit()
}

// ListMeta retrieves metadata rows of a document in insertion order
func (d *DB) ListMeta(ctx context.Context, postID int64) ([]MetaEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, post_id, meta_key, meta_value FROM postmeta WHERE post_id = ? ORDER BY id ASC",
		postID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MetaEntry
	for rows.Next() {
		var entry MetaEntry
		if err := rows.Scan(&entry.ID, &entry.PostID, &entry.Key, &entry.Value); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetDocument retrieves a document by ID
func (d *DB) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	query := `
	SELECT id, post_type, status, title, content, content_hash, permalink, updated_at
	FROM documents
	WHERE id = ?
	`

	var updatedAt sql.NullTime
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Type, &doc.Status, &doc.Title, &doc.Content, &doc.ContentHash, &doc.Permalink, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc.UpdatedAt = updatedAt.Time

	return doc, nil
}

// ListDocuments retrieves all content-bearing documents ordered by ID
func (d *DB) ListDocuments(ctx context.Context) ([]*Document, error) {
	query := `
	SELECT id, post_type, status, title, content, content_hash, permalink, updated_at
	FROM documents
	WHERE post_type IN ` + placeholders(len(ContentTypes)) + `
	ORDER BY id ASC
	`

	rows, err := d.db.QueryContext(ctx, query, contentTypeArgs()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		var updatedAt sql.NullTime
		err := rows.Scan(
			&doc.ID, &doc.Type, &doc.Status, &doc.Title, &doc.Content, &doc.ContentHash, &doc.Permalink, &updatedAt,
		)
		if err != nil {
			return nil, err
		}
		doc.UpdatedAt = updatedAt.Time
		docs = append(docs, doc)
	}

	return docs, rows.Err()
}

// GetContentHash retrieves just the content hash for a document
func (d *DB) GetContentHash(ctx context.Context, id int64) (string, error) {
	var hash string
	err := d.db.QueryRowContext(ctx, "SELECT content_hash FROM documents WHERE id = ?", id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// UpsertAttachment inserts or updates an attachment
func (d *DB) UpsertAttachment(ctx context.Context, a *Attachment) error {
	sizes, err := json.Marshal(a.Sizes)
	if err != nil {
		return fmt.Errorf("marshal sizes: %w", err)
	}
	if a.Sizes == nil {
		sizes = []byte("{}")
	}

	status := a.Status
	if status == "" {
		status = StatusInherit
	}

	query := `
	INSERT INTO attachments (id, title, url, parent_id, status, mime_type, sizes)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		url = excluded.url,
		parent_id = excluded.parent_id,
		status = excluded.status,
		mime_type = excluded.mime_type,
		sizes = excluded.sizes
	`

	_, err = d.db.ExecContext(ctx, query, a.ID, a.Title, a.URL, a.ParentID, status, a.MimeType, string(sizes))
	return err
}

// GetAttachment retrieves an attachment by ID
func (d *DB) GetAttachment(ctx context.Context, id int64) (*Attachment, error) {
	row := d.db.QueryRowContext(ctx, `
	SELECT id, title, url, parent_id, status, mime_type, sizes
	FROM attachments
	WHERE id = ?
	`, id)

	a, err := scanAttachment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// CountOrphaned returns the number of attachments with no owning document
func (d *DB) CountOrphaned(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attachments WHERE parent_id = 0 AND status = ?",
		StatusInherit,
	).Scan(&count)
	return count, err
}

// ListOrphaned fetches one page of orphaned attachments in ascending ID order.
// IDs in q.Exclude are never returned.
func (d *DB) ListOrphaned(ctx context.Context, q OrphanQuery) ([]*Attachment, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	args := []any{StatusInherit}
	query := `
	SELECT id, title, url, parent_id, status, mime_type, sizes
	FROM attachments
	WHERE parent_id = 0 AND status = ?
	`
	if len(q.Exclude) > 0 {
		excluded, err := json.Marshal(q.Exclude)
		if err != nil {
			return nil, fmt.Errorf("marshal exclusions: %w", err)
		}
		query += " AND id NOT IN (SELECT value FROM json_each(?))"
		args = append(args, string(excluded))
	}
	query += " ORDER BY id ASC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attachments []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, a)
	}

	return attachments, rows.Err()
}

// SetParent links an orphaned attachment to its owning document.
// It refuses to overwrite a parent set by someone else since the fetch.
func (d *DB) SetParent(ctx context.Context, attachmentID, parentID int64) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE attachments SET parent_id = ? WHERE id = ? AND parent_id = 0",
		parentID, attachmentID,
	)
	if err != nil {
		return fmt.Errorf("update parent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current int64
	err = d.db.QueryRowContext(ctx, "SELECT parent_id FROM attachments WHERE id = ?", attachmentID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("attachment %d: %w", attachmentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read parent: %w", err)
	}
	if current == parentID {
		return nil
	}
	return fmt.Errorf("attachment %d (parent %d): %w", attachmentID, current, ErrAlreadyAttached)
}

// FindInContent returns the lowest-ID content-bearing document whose
// primary content contains any of the patterns, or nil when none does.
// All patterns are OR-combined into a single query. Patterns match as
// literal substrings with instr, so "Photo.JPG" never finds "photo.jpg"
// and % or _ carry no wildcard meaning.
func (d *DB) FindInContent(ctx context.Context, patterns []string) (*Document, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	conditions := make([]string, len(patterns))
	for i := range patterns {
		conditions[i] = "instr(content, ?) > 0"
	}

	query := `
	SELECT id, post_type, title, permalink
	FROM documents
	WHERE post_type IN ` + placeholders(len(ContentTypes)) + `
	AND (` + strings.Join(conditions, " OR ") + `)
	ORDER BY id ASC
	LIMIT 1
	`

	return d.findOne(ctx, query, patterns)
}

// FindInMeta returns the lowest-ID content-bearing document owning a
// metadata value that contains any of the patterns, or nil when none does.
// Matching is byte-exact and case sensitive, like FindInContent.
func (d *DB) FindInMeta(ctx context.Context, patterns []string) (*Document, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	conditions := make([]string, len(patterns))
	for i := range patterns {
		conditions[i] = "instr(pm.meta_value, ?) > 0"
	}

	query := `
	SELECT p.id, p.post_type, p.title, p.permalink
	FROM documents p
	INNER JOIN postmeta pm ON p.id = pm.post_id
	WHERE p.post_type IN ` + placeholders(len(ContentTypes)) + `
	AND (` + strings.Join(conditions, " OR ") + `)
	ORDER BY p.id ASC
	LIMIT 1
	`

	return d.findOne(ctx, query, patterns)
}

func (d *DB) findOne(ctx context.Context, query string, patterns []string) (*Document, error) {
	args := contentTypeArgs()
	for _, p := range patterns {
		args = append(args, p)
	}

	doc := &Document{}
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&doc.ID, &doc.Type, &doc.Title, &doc.Permalink)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Stats returns repository counts
func (d *DB) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	query := `
	SELECT
		(SELECT COUNT(*) FROM documents),
		(SELECT COUNT(*) FROM attachments),
		(SELECT COUNT(*) FROM attachments WHERE parent_id = 0 AND status = ?),
		(SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?)
	`
	err := d.db.QueryRowContext(ctx, query, StatusInherit, time.Now().UnixNano()).Scan(
		&stats.Documents, &stats.Attachments, &stats.Orphaned, &stats.CacheKeys,
	)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	a := &Attachment{}
	var sizes string
	if err := row.Scan(&a.ID, &a.Title, &a.URL, &a.ParentID, &a.Status, &a.MimeType, &sizes); err != nil {
		return nil, err
	}
	if sizes != "" {
		if err := json.Unmarshal([]byte(sizes), &a.Sizes); err != nil {
			return nil, fmt.Errorf("attachment %d sizes: %w", a.ID, err)
		}
	}
	return a, nil
}

func placeholders(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func contentTypeArgs() []any {
	args := make([]any, 0, len(ContentTypes))
	for _, t := range ContentTypes {
		args = append(args, t)
	}
	return args
}
