package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/identity"
	"github.com/quittances/quittances/internal/mirrorserver"
	"github.com/quittances/quittances/internal/remote"
)

func newMirrorCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mirror",
		GroupID: "sync",
		Short:   "Run or access a mirror server",
	}
	cmd.AddCommand(newMirrorServeCmd(app), newMirrorTokenCmd(app))
	return cmd
}

func newMirrorServeCmd(app *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured backend to other devices",
		Long: `Expose the configured remote backend (memory, dir, redis or postgres) over
HTTP so devices can use remote.backend=http. Requests must carry a token
issued with "qt mirror token" whose subject is the document identity,
unless mirror.secret is empty.

Endpoints:
  GET  /v1/documents/{id}
  PUT  /v1/documents/{id}
  GET  /v1/documents/{id}/watch   (websocket)
  GET  /health
  GET  /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg
			switch cfg.Remote.Backend {
			case remote.BackendNone, remote.BackendHTTP:
				return fmt.Errorf("mirror serve needs a storage backend, not %q", cfg.Remote.Backend)
			}
			if addr == "" {
				addr = cfg.Mirror.Addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			backend, err := remote.Open(ctx, cfg.RemoteOptions(nil), app.logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			server := mirrorserver.NewServer(backend, &mirrorserver.Config{
				Addr:   addr,
				Secret: []byte(cfg.Mirror.Secret),
				Logger: app.logger,
			})
			if err := server.Start(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Mirror server started on http://%s (%s backend)\n", server.GetAddr(), cfg.Remote.Backend)
			fmt.Fprintln(cmd.OutOrStdout(), "\nPress Ctrl+C to stop...")

			<-ctx.Done()

			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down mirror server...")
			return server.Stop()
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "address to listen on (default: mirror.addr)")
	return cmd
}

func newMirrorTokenCmd(app *cli) *cobra.Command {
	var ttl time.Duration
	var login bool

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Issue a token for an identity, signed with mirror.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.cfg.Mirror.Secret == "" {
				return errors.New("mirror.secret is not set")
			}
			id := args[0]
			if err := remote.ValidateIdentity(id); err != nil {
				return err
			}
			token, err := identity.IssueToken([]byte(app.cfg.Mirror.Secret), id, ttl, time.Now())
			if err != nil {
				return err
			}
			if login {
				if err := identity.WriteTokenFile(app.cfg.Identity.TokenFile, token); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s\n", renderPass("✓"), id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&login, "login", false, "store the token in identity.token_file instead of printing it")
	return cmd
}
