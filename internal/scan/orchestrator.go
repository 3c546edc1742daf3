// Package scan pages through orphaned attachments and links each one to
// the document that references it.
package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/twistermc/attach-images/internal/matcher"
	"github.com/twistermc/attach-images/internal/storage"
)

// Repository is the subset of the document store a batch needs
type Repository interface {
	CountOrphaned(ctx context.Context) (int, error)
	ListOrphaned(ctx context.Context, q storage.OrphanQuery) ([]*storage.Attachment, error)
	SetParent(ctx context.Context, attachmentID, parentID int64) error
}

// Matcher resolves an attachment to its referencing document
type Matcher interface {
	Match(ctx context.Context, a *storage.Attachment) (matcher.Result, error)
}

// Recorder receives a summary of every completed batch
type Recorder interface {
	RecordBatch(result *Result, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordBatch(*Result, time.Duration) {}

// Orchestrator runs single batches
type Orchestrator struct {
	repo        Repository
	matcher     Matcher
	concurrency int
	recorder    Recorder
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithConcurrency matches up to n attachments of a batch in parallel.
// Mutations stay sequential and in fetch order.
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRecorder reports batch summaries to r
func WithRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(repo Repository, m Matcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		repo:        repo,
		matcher:     m,
		concurrency: 1,
		recorder:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// pager is the paging strategy of one run mode
type pager interface {
	query(req Request, limit int) storage.OrphanQuery
	// remaining is how many orphans of a total are still ahead of this request
	remaining(req Request, total int) int
	nextOffset(req Request) int
}

// offsetPager pages a stable, unmodified orphan set by offset (dry run)
type offsetPager struct{}

func (offsetPager) query(req Request, limit int) storage.OrphanQuery {
	return storage.OrphanQuery{Offset: req.Offset, Limit: limit}
}

func (offsetPager) remaining(req Request, total int) int {
	return total - req.Offset
}

func (offsetPager) nextOffset(req Request) int {
	return req.Offset + req.Limit
}

// exclusionPager always reads from the front of the shrinking orphan set
// and skips what earlier batches handled (attach mode)
type exclusionPager struct{}

func (exclusionPager) query(req Request, limit int) storage.OrphanQuery {
	return storage.OrphanQuery{Offset: 0, Limit: limit, Exclude: req.ProcessedIDs}
}

func (exclusionPager) remaining(req Request, total int) int {
	return total - len(req.ProcessedIDs)
}

func (exclusionPager) nextOffset(Request) int {
	return 0
}

func pagerFor(dryRun bool) pager {
	if dryRun {
		return offsetPager{}
	}
	return exclusionPager{}
}

type outcome struct {
	result matcher.Result
	err    error
}

// RunBatch processes one page of orphaned attachments.
//
// total_orphaned is recounted on every call unless req.TotalOrphaned
// carries a scan-start snapshot. has_more is false once a batch fetches
// nothing or the processed count reaches total_orphaned.
func (o *Orchestrator) RunBatch(ctx context.Context, req Request) (*Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	start := time.Now()

	total := req.TotalOrphaned
	snapshot := total > 0
	if !snapshot {
		var err error
		total, err = o.repo.CountOrphaned(ctx)
		if err != nil {
			return nil, &RepositoryError{Op: "count orphaned", Err: err}
		}
	}

	p := pagerFor(req.DryRun)
	limit := req.Limit
	if snapshot {
		limit = min(limit, max(p.remaining(req, total), 0))
	}

	var attachments []*storage.Attachment
	if limit > 0 {
		var err error
		attachments, err = o.repo.ListOrphaned(ctx, p.query(req, limit))
		if err != nil {
			return nil, &RepositoryError{Op: "list orphaned", Err: err}
		}
	}

	result := &Result{
		TotalOrphaned: total,
		Details:       make([]Detail, 0, len(attachments)),
		DryRun:        req.DryRun,
		Offset:        req.Offset,
		Limit:         req.Limit,
		BatchCount:    len(attachments),
		NextOffset:    p.nextOffset(req),
		ProcessedIDs:  make([]int64, 0, len(attachments)),
	}

	outcomes := o.matchAll(ctx, attachments)

	for i, a := range attachments {
		result.ProcessedIDs = append(result.ProcessedIDs, a.ID)
		detail := o.apply(ctx, a, outcomes[i], req.DryRun)

		switch detail.Status {
		case StatusAttached, StatusWouldAttach:
			result.Attached++
		case StatusNotFound:
			result.NotFound++
		case StatusError:
			result.Errors++
		}
		result.Details = append(result.Details, detail)
	}

	result.TotalProcessed = len(req.ProcessedIDs) + result.BatchCount
	result.HasMore = !(result.BatchCount == 0 || result.TotalProcessed >= result.TotalOrphaned)

	elapsed := time.Since(start)
	o.recorder.RecordBatch(result, elapsed)

	log.Info().
		Bool("dryRun", req.DryRun).
		Int("offset", req.Offset).
		Int("fetched", result.BatchCount).
		Int("attached", result.Attached).
		Int("notFound", result.NotFound).
		Int("errors", result.Errors).
		Int("processed", result.TotalProcessed).
		Int("total", result.TotalOrphaned).
		Bool("hasMore", result.HasMore).
		Dur("elapsed", elapsed).
		Msg("scan: batch complete")

	return result, nil
}

// matchAll resolves every attachment, in parallel when configured.
// outcomes[i] always belongs to attachments[i].
func (o *Orchestrator) matchAll(ctx context.Context, attachments []*storage.Attachment) []outcome {
	outcomes := make([]outcome, len(attachments))
	if o.concurrency <= 1 {
		for i, a := range attachments {
			outcomes[i].result, outcomes[i].err = o.matcher.Match(ctx, a)
		}
		return outcomes
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, a := range attachments {
		g.Go(func() error {
			outcomes[i].result, outcomes[i].err = o.matcher.Match(ctx, a)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// apply turns one match outcome into a detail, attaching when not a dry run
func (o *Orchestrator) apply(ctx context.Context, a *storage.Attachment, out outcome, dryRun bool) Detail {
	detail := newDetail(a)

	if out.err != nil {
		log.Error().Err(out.err).Int64("attachment", a.ID).Msg("scan: match failed")
		detail.Status = StatusError
		detail.Error = out.err.Error()
		return detail
	}

	if !out.result.Found {
		detail.Status = StatusNotFound
		return detail
	}

	detail.PostID = out.result.DocumentID
	detail.PostTitle = out.result.DocumentTitle
	detail.PostURL = out.result.Permalink

	if dryRun {
		detail.Status = StatusWouldAttach
		return detail
	}

	if err := o.repo.SetParent(ctx, a.ID, out.result.DocumentID); err != nil {
		log.Error().Err(err).Int64("attachment", a.ID).Int64("post", out.result.DocumentID).Msg("scan: attach failed")
		detail.Status = StatusError
		detail.Error = err.Error()
		return detail
	}

	log.Debug().Int64("attachment", a.ID).Int64("post", out.result.DocumentID).Msg("scan: attached")
	detail.Status = StatusAttached
	return detail
}
