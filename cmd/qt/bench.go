package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quittances/quittances/internal/loadtest"
	"github.com/quittances/quittances/internal/remote"
)

func newBenchCmd(app *cli) *cobra.Command {
	var (
		devices    int
		commits    int
		useRemote  bool
		jsonOutput bool
		seed       int64
		keep       bool
	)

	cmd := &cobra.Command{
		Use:     "bench",
		GroupID: "maint",
		Short:   "Simulate several devices editing one document",
		Long: `Start several sync controllers signed in as the same throwaway identity,
let each one commit random receipts and payment updates concurrently, then
wait until every device holds the document stored remotely.

By default the devices share an in-memory mirror. With --remote they use
the configured backend instead, under a fresh identity.

Examples:
  # 4 devices, 20 commits each, in memory
  qt bench

  # Against the configured redis backend, as JSON
  qt bench --remote --devices 8 --commits 50 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if devices <= 0 {
				return fmt.Errorf("--devices must be positive")
			}
			if commits <= 0 {
				return fmt.Errorf("--commits must be positive")
			}
			ctx := cmd.Context()

			var mirror remote.Mirror = remote.NewMemoryMirror()
			if useRemote {
				if app.cfg.Remote.Backend == remote.BackendNone {
					return fmt.Errorf("no remote backend configured")
				}
				provider, err := app.openProvider()
				if err != nil {
					return err
				}
				defer provider.Close()
				m, err := remote.Open(ctx, app.cfg.RemoteOptions(provider.Token), app.logger)
				if err != nil {
					return err
				}
				mirror = m
			}
			defer mirror.Close()

			dir, err := os.MkdirTemp("", "qt-bench-")
			if err != nil {
				return fmt.Errorf("failed to create bench directory: %w", err)
			}
			if keep {
				fmt.Fprintf(cmd.ErrOrStderr(), "device databases kept in %s\n", dir)
			} else {
				defer os.RemoveAll(dir)
			}

			res, err := loadtest.Run(ctx, mirror, loadtest.Options{
				Dir:              dir,
				Identity:         "bench-" + uuid.NewString(),
				Devices:          devices,
				CommitsPerDevice: commits,
				Seed:             seed,
				Logger:           app.logger.With().Str("component", "bench").Logger(),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%d devices x %d commits", devices, commits)))
			res.Print(out)
			if !res.Converged {
				return fmt.Errorf("devices did not converge")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&devices, "devices", 4, "number of simulated devices")
	cmd.Flags().IntVar(&commits, "commits", 20, "commits per device")
	cmd.Flags().BoolVar(&useRemote, "remote", false, "use the configured remote backend")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed for the edits")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the device databases")
	return cmd
}
