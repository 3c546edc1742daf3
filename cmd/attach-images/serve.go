package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/twistermc/attach-images/internal/auth"
	"github.com/twistermc/attach-images/internal/config"
	"github.com/twistermc/attach-images/internal/web"
)

func (c *cli) serveCommand() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch and cache-clear API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("host") {
				host = c.cfg.HTTP.Host
			}
			if !cmd.Flags().Changed("port") {
				port = c.cfg.HTTP.Port
			}

			a, err := c.open(cmd, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			creds := c.cfg.Credentials()
			if len(creds) == 0 {
				log.Warn().Msg("serve: no auth tokens configured, every API call will be rejected")
			}

			deps := web.Deps{
				Runner:   a.orchestrator,
				Cache:    a.matchCache,
				Stats:    a.db,
				Guard:    auth.NewGuard(creds...),
				Gatherer: a.metrics.GetRegistry(),
			}
			if a.index != nil {
				deps.Index = a.index
			}
			server, err := web.NewServer(deps)
			if err != nil {
				return err
			}

			addr := config.HTTPConfig{Host: host, Port: port}.Addr()
			srv := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("serve: listening")
				cmd.Printf("Serving on http://%s\n", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("listen: %w", err)
			case <-ctx.Done():
			}

			log.Info().Msg("serve: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host to bind to")
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")

	return cmd
}
