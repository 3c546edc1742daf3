package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/config"
	"github.com/twistermc/attach-images/internal/logging"
)

func main() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// cli carries global flags and the loaded config to subcommands
type cli struct {
	configFile string
	dataDir    string
	logLevel   string

	cfg       *config.Config
	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "attach-images",
		Short: "Attach orphaned media to the posts and pages that reference them",
		Long: `attach-images finds media records without a parent document, searches
post and page content (then metadata) for references to each file, and links
every attachment to the lowest-ID document that references it.`,
		SilenceUsage:       true,
		PersistentPreRunE:  c.load,
		PersistentPostRunE: c.close,
	}

	cmd.PersistentFlags().StringVar(&c.configFile, "config", "", "Path to config file (default: <data-dir>/config.yaml)")
	cmd.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "Directory for the database, index and config")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(
		c.scanCommand(),
		c.batchCommand(),
		c.clearCacheCommand(),
		c.lookupCommand(),
		c.importCommand(),
		c.reindexCommand(),
		c.statsCommand(),
		c.serveCommand(),
	)

	return cmd
}

func (c *cli) load(cmd *cobra.Command, _ []string) error {
	v, err := config.New(c.configFile, c.dataDir)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		v.Set("data_dir", c.dataDir)
	}
	if c.logLevel != "" {
		v.Set("log.level", c.logLevel)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	closer, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logCloser = closer
	return nil
}

func (c *cli) close(*cobra.Command, []string) error {
	if c.logCloser != nil {
		return c.logCloser.Close()
	}
	return nil
}

func (c *cli) open(cmd *cobra.Command, opts appOptions) (*app, error) {
	return openApp(cmd.Context(), c.cfg, opts)
}
