package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/scan"
)

func (c *cli) batchCommand() *cobra.Command {
	var req scan.Request

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a single batch and print its result as JSON",
		Long: `Runs exactly one batch. Feed next_offset (dry run) or processed_ids
(attach mode) of the printed result into the next call to continue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("limit") {
				req.Limit = c.cfg.Scan.BatchLimit
			}

			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orchestrator.RunBatch(cmd.Context(), req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "Report matches without attaching anything")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "Position in the orphan list (dry run only)")
	cmd.Flags().IntVar(&req.Limit, "limit", scan.DefaultLimit, fmt.Sprintf("Attachments per batch (1-%d)", scan.MaxLimit))
	cmd.Flags().Int64SliceVar(&req.ProcessedIDs, "processed-ids", nil, "Attachment IDs handled by earlier batches")
	cmd.Flags().IntVar(&req.TotalOrphaned, "total", 0, "Orphan total from the first batch, instead of recounting")

	return cmd
}
