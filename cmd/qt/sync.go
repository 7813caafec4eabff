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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/remote"
)

func newSyncCmd(app *cli) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Keep the local document in sync until interrupted",
		Long: `Run the sync controller in the foreground. The session follows the
configured identity: writing a token file signs in (the remote document
replaces the local one), removing it signs out (the local document is kept).
Remote changes are applied locally as they arrive.

Press Ctrl+C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.cfg.Remote.Backend == remote.BackendNone {
				return errors.New("no remote backend configured (set remote.backend)")
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			rt, err := app.start(ctx)
			if err != nil {
				return err
			}
			defer rt.stop()

			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						app.logger.Error().Err(err).Msg("metrics server")
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s Syncing with %s backend\n", renderAccent("🔄"), app.cfg.Remote.Backend)
			fmt.Fprintf(cmd.OutOrStdout(), "   Data: %s\n", app.cfg.DataPath)
			fmt.Fprintf(cmd.OutOrStdout(), "\nPress Ctrl+C to stop\n\n")

			follow(ctx, app, rt)

			fmt.Fprintln(cmd.OutOrStdout(), "\nStopping...")
			app.flush(context.Background(), rt)
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9108)")
	return cmd
}

// follow binds the current identity and rebinds on every identity change
// until ctx ends.
func follow(ctx context.Context, app *cli, rt *runtime) {
	apply := func(id string) {
		if err := rt.controller.SetIdentity(ctx, id); err != nil && ctx.Err() == nil {
			app.logger.Warn().Err(err).Str("identity", id).Msg("cannot bind identity")
		}
	}

	if id := rt.provider.Identity(); id != "" {
		apply(id)
	} else {
		app.logger.Info().Msg("signed out, waiting for an identity")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-rt.provider.Changes():
			if id == "" {
				app.logger.Info().Msg("signed out")
			} else {
				app.logger.Info().Str("identity", id).Msg("signed in")
			}
			apply(id)
		}
	}
}
