package scan

import (
	"fmt"

	"github.com/twistermc/attach-images/internal/storage"
)

const (
	// DefaultLimit is the page size used when a request leaves it unset
	DefaultLimit = 50
	// MaxLimit bounds a single batch so one call stays within its time budget
	MaxLimit = 500
)

// Status is the per-attachment outcome of a batch
type Status string

const (
	StatusAttached    Status = "attached"
	StatusWouldAttach Status = "would_attach"
	StatusNotFound    Status = "not_found"
	StatusError       Status = "error"
)

// Request is one batch call.
//
// In attach mode ProcessedIDs accumulates across calls and excludes
// already-handled attachments while Offset stays 0. In dry-run mode Offset
// advances and ProcessedIDs only feeds the processed count.
type Request struct {
	DryRun       bool    `json:"dry_run"`
	Offset       int     `json:"offset"`
	Limit        int     `json:"limit"`
	ProcessedIDs []int64 `json:"processed_ids"`

	// TotalOrphaned, when positive, is the scan-start orphan count to use
	// instead of recounting. Page sizes are then clamped so the cumulative
	// processed count never exceeds it.
	TotalOrphaned int `json:"total_orphaned,omitempty"`
}

// Normalize applies defaults and validates the request
func (r *Request) Normalize() error {
	if r.Limit == 0 {
		r.Limit = DefaultLimit
	}
	if r.Limit < 0 || r.Limit > MaxLimit {
		return &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	}
	if r.Offset < 0 {
		return &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if r.TotalOrphaned < 0 {
		return &ValidationError{Field: "total_orphaned", Reason: "must not be negative"}
	}
	for _, id := range r.ProcessedIDs {
		if id <= 0 {
			return &ValidationError{Field: "processed_ids", Reason: fmt.Sprintf("id %d is not positive", id)}
		}
	}
	return nil
}

// Detail is the outcome for one attachment
type Detail struct {
	AttachmentID    int64  `json:"attachment_id"`
	AttachmentTitle string `json:"attachment_title"`
	AttachmentURL   string `json:"attachment_url"`
	Status          Status `json:"status"`
	PostID          int64  `json:"post_id,omitempty"`
	PostTitle       string `json:"post_title,omitempty"`
	PostURL         string `json:"post_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Result is the outcome of one batch and the state needed to request the next
type Result struct {
	TotalOrphaned  int      `json:"total_orphaned"`
	Attached       int      `json:"attached"`
	NotFound       int      `json:"not_found"`
	Errors         int      `json:"errors"`
	Details        []Detail `json:"details"`
	DryRun         bool     `json:"dry_run"`
	Offset         int      `json:"offset"`
	Limit          int      `json:"limit"`
	HasMore        bool     `json:"has_more"`
	BatchCount     int      `json:"batch_count"`
	NextOffset     int      `json:"next_offset"`
	TotalProcessed int      `json:"total_processed"`
	ProcessedIDs   []int64  `json:"processed_ids"`
}

func newDetail(a *storage.Attachment) Detail {
	return Detail{
		AttachmentID:    a.ID,
		AttachmentTitle: a.Title,
		AttachmentURL:   a.URL,
	}
}
