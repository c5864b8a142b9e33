package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newRetentionCmd(stdout, stderr io.Writer) *cobra.Command {
	var keep int
	cmd := &cobra.Command{
		Use:   "retention [service]",
		Short: "Prune old backups, keeping the newest N per service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			if keep == 0 {
				keep = app.cfg.Global.Backup.RetentionKeep
			}

			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				fmt.Fprintf(stdout, "would prune backups beyond the newest %d per service\n", keep)
				return nil
			}

			orch, err := app.orchestrator()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				res, err := orch.ApplyRetention(ctx, args[0], keep)
				for _, rec := range res.Removed {
					fmt.Fprintf(stdout, "pruned %s from %s\n", rec.ArtifactID, rec.Destination)
				}
				fmt.Fprintf(stdout, "%s: %d pruned\n", args[0], len(res.Removed))
				return err
			}

			results, err := orch.ApplyRetentionAll(ctx)
			for _, res := range results {
				fmt.Fprintf(stdout, "%s: %d pruned\n", res.Service, len(res.Removed))
			}
			return err
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of backups to keep (default from config)")
	return cmd
}
