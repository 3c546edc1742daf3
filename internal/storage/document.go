package storage

import (
	"path"
	"time"
)

const (
	// TypePost and TypePage are the content-bearing document types: only
	// these are searched for references to an attachment.
	TypePost = "post"
	TypePage = "page"

	// StatusInherit is the storage state of an attachment that takes its
	// visibility from its (possibly missing) parent.
	StatusInherit = "inherit"
)

// ContentTypes lists the document types eligible to reference an attachment
var ContentTypes = []string{TypePost, TypePage}

// Document represents a post or page in the content repository
type Document struct {
	ID          int64     `db:"id"`
	Type        string    `db:"post_type"`
	Status      string    `db:"status"`
	Title       string    `db:"title"`
	Content     string    `db:"content"` // HTML or block markup
	ContentHash string    `db:"content_hash"`
	Permalink   string    `db:"permalink"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// MetaEntry is one row of secondary document metadata.
// A document may carry several entries with the same key.
type MetaEntry struct {
	ID     int64  `db:"id"`
	PostID int64  `db:"post_id"`
	Key    string `db:"meta_key"`
	Value  string `db:"meta_value"`
}

// Attachment represents a media record
type Attachment struct {
	ID       int64             `db:"id"`
	Title    string            `db:"title"`
	URL      string            `db:"url"`
	ParentID int64             `db:"parent_id"` // 0 when orphaned
	Status   string            `db:"status"`
	MimeType string            `db:"mime_type"`
	Sizes    map[string]string `db:"sizes"` // JSON object: size name -> variant filename
}

// Filename returns the text after the final path separator of the URL
func (a *Attachment) Filename() string {
	if a.URL == "" {
		return ""
	}
	return path.Base(a.URL)
}

// Orphaned reports whether the attachment has no owning document
func (a *Attachment) Orphaned() bool {
	return a.ParentID == 0
}
