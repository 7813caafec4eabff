package main

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/config"
	"github.com/quittances/quittances/internal/logging"
)

// cli carries state shared by every command of one invocation.
type cli struct {
	configPath string
	noColor    bool
	cfg        *config.Config
	logger     zerolog.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	app := &cli{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "qt",
		Short: "Rent receipts kept locally and mirrored across devices",
		Long: `qt keeps the landlord profile, tenants, receipts and payment tracking in a
local SQLite file. With a remote backend configured and an identity signed in,
every change is pushed to the mirror and changes made on other devices are
applied locally.

Configuration comes from qt.{toml,yaml,json} in the working directory or
~/.quittances, overridden by QT_* environment variables (QT_REMOTE_BACKEND,
QT_IDENTITY_ID, ...). A .env file in the working directory is loaded first.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if app.noColor || os.Getenv("NO_COLOR") != "" {
				lipgloss.SetColorProfile(termenv.Ascii)
			}
			return app.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.close()
		},
	}
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (default: qt.* in . or ~/.quittances)")
	root.PersistentFlags().BoolVar(&app.noColor, "no-color", false, "disable colored output")

	root.AddGroup(
		&cobra.Group{ID: "data", Title: "Data:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	root.AddCommand(
		newShowCmd(app),
		newLandlordCmd(app),
		newTenantCmd(app),
		newReceiptCmd(app),
		newPaymentCmd(app),
		newExportCmd(app),
		newImportCmd(app),
		newResetCmd(app),
		newSyncCmd(app),
		newAuthCmd(app),
		newMirrorCmd(app),
		newBenchCmd(app),
	)
	return root
}

func (a *cli) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer
	return nil
}

func (a *cli) close() error {
	if a.logCloser == nil {
		return nil
	}
	err := a.logCloser.Close()
	a.logCloser = nil
	return err
}
