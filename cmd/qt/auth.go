package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/identity"
)

func newAuthCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "auth",
		GroupID: "sync",
		Short:   "Sign in or out of the remote mirror",
		Long: `Manage the token file (identity.token_file). A running "qt sync" notices
sign-in and sign-out immediately.`,
	}

	login := &cobra.Command{
		Use:   "login <token>",
		Short: "Store a token; its subject becomes the identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := strings.TrimSpace(args[0])
			if err := identity.WriteTokenFile(app.cfg.Identity.TokenFile, token); err != nil {
				return err
			}
			tf, err := identity.OpenTokenFile(app.cfg.Identity.TokenFile, 0, app.logger)
			if err != nil {
				return err
			}
			defer tf.Close()
			id := tf.Identity()
			if id == "" {
				return fmt.Errorf("%w: token is malformed or expired", identity.ErrNoIdentity)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s\n", renderPass("✓"), id)
			return nil
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Remove the token file; local data is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(app.cfg.Identity.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove token file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", renderPass("✓"))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := app.openProvider()
			if err != nil {
				return err
			}
			defer p.Close()
			if id := p.Identity(); id != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Identity: %s\n", renderAccent(id))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", renderWarn("⚠"))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backend:  %s\n", app.cfg.Remote.Backend)
			return nil
		},
	}

	cmd.AddCommand(login, logout, status)
	return cmd
}
