package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"homelab-autopilot/src/state"
)

func newStatusCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-service backup status and any leftover snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			table := tablewriter.NewWriter(stdout)
			table.Header("SERVICE", "KIND", "ENABLED", "LAST BACKUP", "LAST OUTCOME")
			for _, desc := range app.cfg.Services {
				lastBackup := "never"
				if t, ok, err := app.store.LastBackup(desc.Name); err != nil {
					return err
				} else if ok {
					lastBackup = t.UTC().Format(time.RFC3339)
				}
				lastOutcome := "-"
				if rec, ok, err := app.store.LastRecord(desc.Name, state.OpBackup); err != nil {
					return err
				} else if ok {
					lastOutcome = string(rec.Outcome)
				}
				enabled := "no"
				if desc.Enabled {
					enabled = "yes"
				}
				table.Append(desc.Name, string(desc.Kind), enabled, lastBackup, lastOutcome)
			}
			if err := table.Render(); err != nil {
				return err
			}

			pending, err := app.store.PendingSnapshots()
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				fmt.Fprintf(stdout, "\nWARNING: %d leftover snapshot(s) from interrupted operations:\n", len(pending))
				for _, p := range pending {
					fmt.Fprintf(stdout, "  %s: snapshot %s taken %s\n",
						p.Service, p.SnapshotID, p.CreatedAt.UTC().Format(time.RFC3339))
				}
				fmt.Fprintln(stdout, "Inspect them, then run 'snapshots cleanup' to discard.")
			}
			return nil
		},
	}
}
