package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newBackupCmd(stdout, stderr io.Writer) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "backup [service]",
		Short: "Back up one service, or every enabled service with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("specify exactly one of a service name or --all")
			}

			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				return printBackupPlan(stdout, app, all, args)
			}

			orch, err := app.orchestrator()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if !all {
				rec, err := orch.BackupService(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "backed up %s to %s (%d bytes) in %s\n",
					rec.Service, rec.Destination, rec.SizeBytes, rec.Duration.Round(0))
				return nil
			}

			batch := orch.BackupAll(ctx)
			for _, r := range batch.Results {
				if r.Err == nil {
					fmt.Fprintf(stdout, "%s: ok (%s, %d bytes)\n", r.Service, r.Record.Destination, r.Record.SizeBytes)
				} else {
					fmt.Fprintf(stdout, "%s: FAILED: %v\n", r.Service, r.Err)
				}
			}
			ok, failed := batch.Counts()
			fmt.Fprintf(stdout, "%d succeeded, %d failed\n", ok, failed)
			if code := batch.ExitCode(); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Back up every enabled service")
	return cmd
}

// printBackupPlan lists what a real run would do, without touching anything.
func printBackupPlan(stdout io.Writer, app *app, all bool, args []string) error {
	dests := app.cfg.EnabledDestinations()
	for _, desc := range app.cfg.Services {
		if !desc.Enabled || !desc.Backup {
			continue
		}
		if !all && desc.Name != args[0] {
			continue
		}
		fmt.Fprintf(stdout, "would back up %s (%s)\n", desc.Name, desc.Kind)
		for i, d := range dests {
			fmt.Fprintf(stdout, "  destination %d: %s (%s)\n", i+1, d.Name, d.Kind)
		}
	}
	return nil
}
