package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TotalMode selects how total_orphaned is obtained across the batches of a scan
type TotalMode string

const (
	// TotalSnapshot counts once in the first batch and passes that count to
	// every later batch, so total_processed never exceeds it.
	TotalSnapshot TotalMode = "snapshot"

	// TotalRecompute lets every batch recount orphans. In attach mode the
	// count shrinks as attachments gain parents, so a scan can finish
	// before every orphan was visited.
	TotalRecompute TotalMode = "recompute"
)

// ParseTotalMode validates a mode name; empty means TotalSnapshot
func ParseTotalMode(s string) (TotalMode, error) {
	switch TotalMode(s) {
	case "", TotalSnapshot:
		return TotalSnapshot, nil
	case TotalRecompute:
		return TotalRecompute, nil
	default:
		return "", fmt.Errorf("unknown total mode %q (want %s or %s)", s, TotalRecompute, TotalSnapshot)
	}
}

// BatchRunner runs one batch; *Orchestrator implements it
type BatchRunner interface {
	RunBatch(ctx context.Context, req Request) (*Result, error)
}

// Options configures one scan
type Options struct {
	DryRun    bool
	Limit     int
	TotalMode TotalMode

	// OnBatch is called after each completed batch with the running report
	OnBatch func(p Progress)
}

// Progress is reported after each batch
type Progress struct {
	Batch          int
	TotalOrphaned  int
	TotalProcessed int
	Attached       int
	NotFound       int
	Errors         int
	HasMore        bool
}

// Percent returns processed/total as a percentage, capped at 100
func (p Progress) Percent() float64 {
	if p.TotalOrphaned <= 0 {
		return 100
	}
	return min(float64(p.TotalProcessed)/float64(p.TotalOrphaned)*100, 100)
}

// Report aggregates all batches of one scan
type Report struct {
	ScanID         string    `json:"scan_id"`
	DryRun         bool      `json:"dry_run"`
	TotalMode      TotalMode `json:"total_mode"`
	TotalOrphaned  int       `json:"total_orphaned"`
	Attached       int       `json:"attached"`
	NotFound       int       `json:"not_found"`
	Errors         int       `json:"errors"`
	Details        []Detail  `json:"details"`
	Batches        int       `json:"batches"`
	TotalProcessed int       `json:"total_processed"`
	Cancelled      bool      `json:"cancelled"`
	Failure        string    `json:"failure,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Controller drives batches until the orphan set is exhausted or the scan
// is cancelled. Cancellation is only observed between batches: a batch in
// flight always completes.
type Controller struct {
	runner    BatchRunner
	cancelled atomic.Bool
}

// NewController creates a controller over runner
func NewController(runner BatchRunner) *Controller {
	return &Controller{runner: runner}
}

// Cancel asks the running scan to stop before its next batch.
// Safe to call from any goroutine.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel was called
func (c *Controller) Cancelled() bool {
	return c.cancelled.Load()
}

// Run performs a full scan. On cancellation the partial report is returned
// with Cancelled set and a nil error. When a batch fails the scan halts and
// the partial report is returned together with the error.
func (c *Controller) Run(ctx context.Context, opts Options) (*Report, error) {
	mode, err := ParseTotalMode(string(opts.TotalMode))
	if err != nil {
		return nil, err
	}

	report := &Report{
		ScanID:    uuid.NewString(),
		DryRun:    opts.DryRun,
		TotalMode: mode,
		Details:   []Detail{},
		StartedAt: time.Now(),
	}
	logger := log.With().Str("scan", report.ScanID).Bool("dryRun", opts.DryRun).Logger()
	logger.Info().Str("totalMode", string(mode)).Msg("scan: starting")

	// Batches run on a context that survives cancellation of ctx so an
	// in-flight batch never stops half way.
	batchCtx := context.WithoutCancel(ctx)

	req := Request{DryRun: opts.DryRun, Limit: opts.Limit}
	var processed []int64

	for {
		if c.Cancelled() || ctx.Err() != nil {
			report.Cancelled = true
			logger.Warn().Int("batches", report.Batches).Msg("scan: cancelled")
			break
		}

		req.ProcessedIDs = processed
		res, err := c.runner.RunBatch(batchCtx, req)
		if err != nil {
			report.Failure = err.Error()
			report.FinishedAt = time.Now()
			logger.Error().Err(err).Int("batches", report.Batches).Msg("scan: batch failed, halting")
			return report, fmt.Errorf("batch %d: %w", report.Batches+1, err)
		}

		if report.Batches == 0 {
			report.TotalOrphaned = res.TotalOrphaned
			if mode == TotalSnapshot {
				req.TotalOrphaned = res.TotalOrphaned
			}
		}
		report.Batches++
		report.Attached += res.Attached
		report.NotFound += res.NotFound
		report.Errors += res.Errors
		report.Details = append(report.Details, res.Details...)
		report.TotalProcessed = res.TotalProcessed

		processed = append(processed, res.ProcessedIDs...)
		req.Limit = res.Limit
		req.Offset = res.NextOffset

		if opts.OnBatch != nil {
			opts.OnBatch(Progress{
				Batch:          report.Batches,
				TotalOrphaned:  report.TotalOrphaned,
				TotalProcessed: report.TotalProcessed,
				Attached:       report.Attached,
				NotFound:       report.NotFound,
				Errors:         report.Errors,
				HasMore:        res.HasMore,
			})
		}

		if !res.HasMore {
			break
		}
	}

	report.FinishedAt = time.Now()
	logger.Info().
		Int("batches", report.Batches).
		Int("attached", report.Attached).
		Int("notFound", report.NotFound).
		Int("errors", report.Errors).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.FinishedAt.Sub(report.StartedAt)).
		Msg("scan: finished")

	return report, nil
}
