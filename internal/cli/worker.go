package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewWorkerCommand creates the worker command group.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Operate the sync worker",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Process one batch of pending queue items and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: rootOpts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			if !a.cfg.Sync.Enabled {
				return p.Fail(ExitCommandError, "worker", fmt.Errorf("sync is disabled"))
			}
			res, err := a.worker.RunOnce(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "worker cycle", err)
			}
			if err := p.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "claimed %d  completed %s  retried %s  failed %s  skipped %d\n",
					res.Claimed,
					successColor(res.Completed),
					warnColor(res.Retried),
					errorColor(res.Failed),
					res.Skipped)
			}); err != nil {
				return err
			}
			if res.Failed > 0 {
				return WrapExitError(ExitFailure, fmt.Sprintf("%d item(s) failed permanently", res.Failed), nil)
			}
			return nil
		},
	})
	return cmd
}
