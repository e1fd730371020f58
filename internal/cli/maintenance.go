package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewMaintenanceCommand creates the maintenance command group.
func NewMaintenanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Queue housekeeping",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Purge old queue items and reset stuck ones now",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			report, err := a.maint.Run(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "maintenance", err)
			}
			return p.Result(report, func(w io.Writer) {
				fmt.Fprintf(w, "purged completed  %d\n", report.PurgedCompleted)
				fmt.Fprintf(w, "purged failed     %d\n", report.PurgedFailed)
				fmt.Fprintf(w, "reset stuck       %s\n", warnColor(report.ResetStuck))
			})
		},
	})
	return cmd
}
