package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/matcher"
)

func (c *cli) clearCacheCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop every cached match result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			removed, err := a.matchCache.InvalidateAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			cmd.Printf("Cleared %d cached entries\n", removed)
			return nil
		},
	}
}

func (c *cli) lookupCommand() *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "lookup <attachment-id>",
		Short: "Show the search patterns and matching document for one attachment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid attachment id %q", args[0])
			}

			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			attachment, err := a.db.GetAttachment(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("get attachment: %w", err)
			}
			if attachment == nil {
				return fmt.Errorf("attachment %d not found", id)
			}

			cmd.Printf("Attachment %d: %s\n", attachment.ID, attachment.Title)
			cmd.Printf("URL:    %s\n", attachment.URL)
			if attachment.Orphaned() {
				cmd.Println("Parent: none")
			} else {
				cmd.Printf("Parent: %d\n", attachment.ParentID)
			}
			cmd.Println("Patterns:")
			for i, p := range a.matcher.Patterns(attachment) {
				cmd.Printf("  %d. %s\n", i+1, p)
			}

			var result matcher.Result
			if cached {
				result, err = a.matcher.Match(cmd.Context(), attachment)
			} else {
				result, err = a.matcher.Search(cmd.Context(), attachment)
			}
			if err != nil {
				return fmt.Errorf("match: %w", err)
			}

			if !result.Found {
				cmd.Println("No referencing post or page found")
				return nil
			}
			cmd.Printf("Referenced by %d: %s\n", result.DocumentID, result.DocumentTitle)
			if result.Permalink != "" {
				cmd.Printf("  %s\n", result.Permalink)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&cached, "cached", false, "Read through the match cache instead of searching live")

	return cmd
}
