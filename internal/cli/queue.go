package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bridgesync/internal/models"
)

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the sync queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueStatsCommand(rootOpts))
	cmd.AddCommand(newQueueRequeueCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			st, err := models.ParseQueueStatus(status)
			if err != nil {
				return p.Fail(ExitCommandError, "invalid --status", err)
			}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			items, err := a.engine.Queue().ListByStatus(cmd.Context(), st, limit)
			if err != nil {
				return p.Fail(ExitFailure, "list queue", err)
			}
			return p.Result(items, func(w io.Writer) {
				if len(items) == 0 {
					fmt.Fprintf(w, "%s\n", dimColor("no "+string(st)+" items"))
					return
				}
				fmt.Fprintln(w, headerColor("ID                                    STATUS      OP      DIRECTION       ATTEMPTS"))
				for _, it := range items {
					fmt.Fprintf(w, "%-37s %-11s %-7s %-15s %d/%d\n",
						it.ID, statusColor(it.Status), it.Operation, it.Direction, it.AttemptCount, it.MaxAttempts)
					if it.ErrorMessage != "" {
						fmt.Fprintf(w, "  %s\n", dimColor(it.ErrorMessage))
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(models.QueueStatusPending), "pending|processing|completed|failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to list")
	return cmd
}

func newQueueStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			stats, err := a.engine.Queue().Stats(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "queue stats", err)
			}
			return p.Result(stats, func(w io.Writer) {
				fmt.Fprintf(w, "pending     %d\n", stats.Pending)
				fmt.Fprintf(w, "processing  %s\n", warnColor(stats.Processing))
				fmt.Fprintf(w, "completed   %s\n", successColor(stats.Completed))
				fmt.Fprintf(w, "failed      %s\n", errorColor(stats.Failed))
				fmt.Fprintf(w, "total       %d\n", stats.Total)
			})
		},
	}
}

func newQueueRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <item-id>",
		Short: "Return a failed item to pending with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			id := models.UUID(args[0])
			if err := a.engine.Queue().Requeue(cmd.Context(), id); err != nil {
				return p.Fail(ExitFailure, "requeue", err)
			}
			item, err := a.engine.Queue().Get(cmd.Context(), id)
			if err != nil {
				return p.Fail(ExitFailure, "requeue", err)
			}
			return p.Result(item, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s is %s\n", successColor("requeued"), item.ID, statusColor(item.Status))
			})
		},
	}
}
