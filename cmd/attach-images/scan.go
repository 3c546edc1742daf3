package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/scan"
)

func (c *cli) scanCommand() *cobra.Command {
	var (
		dryRun      bool
		limit       int
		concurrency int
		totalMode   string
		reportPath  string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Process every orphaned attachment in batches",
		Long: `Runs batches until no orphaned attachments remain. Interrupting with
Ctrl-C stops after the batch in flight; everything attached so far stays
attached and a later scan picks up the rest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = c.cfg.Scan.BatchLimit
			}
			if !cmd.Flags().Changed("total-mode") {
				totalMode = c.cfg.Scan.TotalMode
			}
			mode, err := scan.ParseTotalMode(totalMode)
			if err != nil {
				return err
			}

			a, err := c.open(cmd, appOptions{concurrency: concurrency})
			if err != nil {
				return err
			}
			defer a.Close()

			controller := scan.NewController(a.orchestrator)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-sigCh:
					log.Warn().Msg("scan: interrupt received, stopping after current batch")
					controller.Cancel()
				case <-done:
				}
			}()

			report, runErr := controller.Run(cmd.Context(), scan.Options{
				DryRun:    dryRun,
				Limit:     limit,
				TotalMode: mode,
				OnBatch: func(p scan.Progress) {
					cmd.Printf("Batch %d: %d/%d processed (%.0f%%), %d attached, %d not found, %d errors\n",
						p.Batch, p.TotalProcessed, p.TotalOrphaned, p.Percent(), p.Attached, p.NotFound, p.Errors)
				},
			})
			if report == nil {
				return runErr
			}

			printReport(cmd, report)

			if reportPath != "" {
				if err := writeReport(reportPath, report); err != nil {
					return err
				}
				cmd.Printf("Report written to %s\n", reportPath)
			}

			return runErr
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report matches without attaching anything")
	cmd.Flags().IntVar(&limit, "limit", scan.DefaultLimit, fmt.Sprintf("Attachments per batch (1-%d)", scan.MaxLimit))
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel matches per batch (default from config)")
	cmd.Flags().StringVar(&totalMode, "total-mode", string(scan.TotalSnapshot),
		fmt.Sprintf("How the orphan total is tracked: %s or %s", scan.TotalSnapshot, scan.TotalRecompute))
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the full JSON report to this file")

	return cmd
}

func printReport(cmd *cobra.Command, report *scan.Report) {
	cmd.Println()
	switch {
	case report.Cancelled:
		cmd.Println("=== Scan Cancelled ===")
	case report.Failure != "":
		cmd.Println("=== Scan Failed ===")
	default:
		cmd.Println("=== Scan Complete ===")
	}

	verb := "Attached:"
	if report.DryRun {
		verb = "Would attach:"
	}
	cmd.Printf("Orphaned:      %d\n", report.TotalOrphaned)
	cmd.Printf("Processed:     %d\n", report.TotalProcessed)
	cmd.Printf("%-14s %d\n", verb, report.Attached)
	cmd.Printf("Not found:     %d\n", report.NotFound)
	cmd.Printf("Errors:        %d\n", report.Errors)
	cmd.Printf("Batches:       %d\n", report.Batches)
	cmd.Printf("Duration:      %v\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	if report.Failure != "" {
		cmd.Printf("Failure:       %s\n", report.Failure)
	}
}

func writeReport(path string, report *scan.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
