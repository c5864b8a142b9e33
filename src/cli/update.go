package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"homelab-autopilot/src/safety"
	"homelab-autopilot/src/state"
)

func newUpdateCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "update <service>",
		Short: "Update a service under snapshot protection where available",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			opts := getSafetyOptions(cmd)
			if opts.DryRun {
				fmt.Fprintf(stdout, "would update %s\n", args[0])
				return nil
			}

			orch, err := app.orchestrator()
			if err != nil {
				return err
			}
			rec, err := orch.UpdateService(cmd.Context(), args[0])
			if err != nil {
				var rb *safety.RollbackError
				if errors.As(err, &rb) {
					// The service may be broken and the snapshot is still
					// held; nothing else should run until an operator looks.
					return &exitError{code: 1, err: err}
				}
				if rec.Outcome == state.OutcomeRolledBack {
					fmt.Fprintf(stdout, "update of %s failed and was rolled back\n", args[0])
				}
				return err
			}
			fmt.Fprintf(stdout, "updated %s in %s\n", rec.Service, rec.Duration.Round(0))
			return nil
		},
	}
}
