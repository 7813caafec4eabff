package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/ledger"
	"github.com/quittances/quittances/internal/schema"
	qsync "github.com/quittances/quittances/internal/sync"
)

func newExportCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "export [file]",
		GroupID: "data",
		Short:   "Write the document to a JSON file",
		Long:    "Write the working document as indented JSON (default: " + ledger.DefaultExportName + ").",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ledger.DefaultExportName
			if len(args) == 1 {
				path = args[0]
			}
			return app.withController(cmd.Context(), func(ctx context.Context, c *qsync.Controller) error {
				doc := c.Get()
				if err := schema.WriteExportFile(path, doc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d tenants and %d receipts to %s\n",
					renderPass("✓"), len(doc.Tenants), len(doc.Receipts), path)
				return nil
			})
		},
	}
}

func newImportCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "import <file>",
		GroupID: "data",
		Short:   "Replace the document with a JSON file",
		Long: `Replace the whole working document with the content of a JSON export.
Files written by older releases are accepted. When signed in, the imported
document is pushed to the mirror.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := schema.ReadImportFile(args[0])
			if err != nil {
				return err
			}
			err = app.withController(cmd.Context(), func(ctx context.Context, c *qsync.Controller) error {
				return c.Replace(ctx, doc)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d tenants and %d receipts\n",
				renderPass("✓"), len(doc.Tenants), len(doc.Receipts))
			return nil
		},
	}
}

func newResetCmd(app *cli) *cobra.Command {
	var yes, legacy bool

	cmd := &cobra.Command{
		Use:     "reset",
		GroupID: "maint",
		Short:   "Erase every tenant, receipt and payment",
		Long: `Replace the working document with an empty one. When signed in, the empty
document is pushed to the mirror too. --legacy also deletes the copies kept
under keys of older releases.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm("Tout effacer ?", "Locataires, quittances et suivi des paiements seront supprimés.")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}

			ctx := cmd.Context()
			rt, err := app.start(ctx)
			if err != nil {
				return err
			}
			defer rt.stop()

			app.bind(ctx, rt)
			if err := rt.controller.Replace(ctx, schema.Normalize(nil)); err != nil {
				return err
			}
			app.flush(ctx, rt)

			if legacy {
				n, err := rt.store.ClearLegacy(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %d legacy copies\n", renderPass("✓"), n)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Reset complete\n", renderPass("✓"))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	cmd.Flags().BoolVar(&legacy, "legacy", false, "also delete data kept from older releases")
	return cmd
}
