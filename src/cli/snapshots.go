package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"homelab-autopilot/src/plugins"
	"homelab-autopilot/src/safety"
)

func newSnapshotsCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "Inspect and clean up snapshots left behind by interrupted operations",
	}
	cmd.AddCommand(newSnapshotsPendingCmd(stdout, stderr))
	cmd.AddCommand(newSnapshotsCleanupCmd(stdout, stderr))
	return cmd
}

func newSnapshotsPendingCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List leftover snapshot markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.store.PendingSnapshots()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(stdout, "no pending snapshots")
				return nil
			}
			for _, p := range pending {
				fmt.Fprintf(stdout, "%s: snapshot %s taken %s\n",
					p.Service, p.SnapshotID, p.CreatedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

// newSnapshotsCleanupCmd discards leftover snapshots. Discard destroys the
// rollback point, so this never runs without confirmation.
func newSnapshotsCleanupCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Discard leftover snapshots and clear their markers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			pending, err := app.store.PendingSnapshots()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Fprintln(stdout, "no pending snapshots")
				return nil
			}

			opts := getSafetyOptions(cmd)
			for _, p := range pending {
				fmt.Fprintf(stdout, "%s: snapshot %s taken %s\n",
					p.Service, p.SnapshotID, p.CreatedAt.UTC().Format(time.RFC3339))
			}
			ok, err := safety.Confirm(opts, os.Stdin, stdout,
				fmt.Sprintf("Discard %d snapshot(s)? The rollback points will be lost.", len(pending)))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(stdout, "aborted")
				return nil
			}

			reg, err := app.registry()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var failed int
			for _, p := range pending {
				desc, known := app.cfg.Service(p.Service)
				if !known {
					fmt.Fprintf(stdout, "%s: not in config, clearing marker only\n", p.Service)
					if err := app.store.ClearPendingSnapshot(p.Service); err != nil {
						return err
					}
					continue
				}
				hv, err := reg.ResolveHypervisor(desc)
				if err != nil {
					return err
				}
				handle := plugins.SnapshotHandle{
					ID:         p.SnapshotID,
					Service:    p.Service,
					InstanceID: p.InstanceID,
					Node:       p.Node,
					CreatedAt:  p.CreatedAt,
				}
				if err := hv.SnapshotDiscard(ctx, handle); err != nil {
					fmt.Fprintf(stdout, "%s: discard failed, marker kept: %v\n", p.Service, err)
					failed++
					continue
				}
				if err := app.store.ClearPendingSnapshot(p.Service); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "%s: discarded %s\n", p.Service, p.SnapshotID)
			}
			if failed > 0 {
				return fmt.Errorf("%d snapshot(s) could not be discarded", failed)
			}
			return nil
		},
	}
}
