package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newVerifyCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <service>",
		Short: "Re-check the newest backup of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd, stderr)
			if err != nil {
				return err
			}
			defer app.Close()

			orch, err := app.orchestrator()
			if err != nil {
				return err
			}
			rec, err := orch.VerifyBackup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "verified %s (%s, %d bytes)\n",
				rec.ArtifactID, rec.Destination, rec.SizeBytes)
			return nil
		},
	}
}
