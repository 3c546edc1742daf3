package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/config"
	"github.com/twistermc/attach-images/internal/importer"
)

func (c *cli) importCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <export.json>",
		Short: "Load documents, metadata and attachments from a JSON export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open export: %w", err)
			}
			defer f.Close()

			export, err := importer.Decode(f)
			if err != nil {
				return err
			}

			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			var index importer.Indexer
			if a.index != nil {
				index = a.index
			}

			stats, err := importer.New(a.db, index).Import(cmd.Context(), export)
			if err != nil {
				return err
			}

			cmd.Println()
			cmd.Println("=== Import Complete ===")
			cmd.Printf("Documents:     %d\n", stats.TotalDocuments)
			cmd.Printf("New:           %d\n", stats.NewDocuments)
			cmd.Printf("Updated:       %d\n", stats.UpdatedDocuments)
			cmd.Printf("Skipped:       %d\n", stats.SkippedDocuments)
			cmd.Printf("Attachments:   %d\n", stats.Attachments)
			cmd.Printf("Errors:        %d\n", stats.Errors)
			cmd.Printf("Duration:      %v\n", stats.Duration)
			return nil
		},
	}
}

func (c *cli) reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, appOptions{withIndex: true})
			if err != nil {
				return err
			}
			defer a.Close()

			cmd.Println("Rebuilding search index...")
			err = a.index.Rebuild(cmd.Context(), a.db, func(current, total int) {
				if current%100 == 0 || current == total {
					cmd.Printf("  %d/%d documents\n", current, total)
				}
			})
			if err != nil {
				return fmt.Errorf("rebuild index: %w", err)
			}

			count, err := a.index.Count()
			if err != nil {
				return fmt.Errorf("count index: %w", err)
			}
			cmd.Printf("Index contains %d documents\n", count)
			return nil
		},
	}
}

func (c *cli) statsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show document, attachment and cache counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.db.Stats(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Println("=== Statistics ===")
			cmd.Printf("Documents:            %d\n", stats.Documents)
			cmd.Printf("Attachments:          %d\n", stats.Attachments)
			cmd.Printf("Orphaned attachments: %d\n", stats.Orphaned)
			cmd.Printf("Cached results (db):  %d\n", stats.CacheKeys)
			cmd.Printf("Search backend:       %s\n", c.cfg.Search.Backend)
			if c.cfg.Search.Backend == config.SearchBleve && a.index != nil {
				count, err := a.index.Count()
				if err != nil {
					return fmt.Errorf("count index: %w", err)
				}
				cmd.Printf("Documents in index:   %d\n", count)
			}
			return nil
		},
	}
}
