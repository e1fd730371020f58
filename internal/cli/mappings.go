package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/status"
)

// NewMappingsCommand creates the mappings command group.
func NewMappingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "Inspect mappings and switch their sync on or off",
	}
	cmd.AddCommand(newMappingsHistoryCommand(rootOpts))
	cmd.AddCommand(newMappingsToggleCommand(rootOpts, "enable", "Resume propagation of changes for one mapping", true))
	cmd.AddCommand(newMappingsToggleCommand(rootOpts, "disable", "Stop propagation of changes for one mapping", false))
	return cmd
}

type mappingHistory struct {
	Mapping   *models.EntityMapping   `json:"mapping"`
	Items     []*models.SyncQueueItem `json:"items"`
	Conflicts []*models.SyncConflict  `json:"conflicts"`
}

func newMappingsHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <mapping-id>",
		Short: "Show every queue item and conflict of a mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			m, err := a.engine.Mappings().Get(ctx, models.UUID(args[0]))
			if err != nil {
				return p.Fail(ExitFailure, "load mapping", err)
			}
			h := mappingHistory{Mapping: m}
			if h.Items, err = a.engine.Queue().ListForMapping(ctx, m.ID); err != nil {
				return p.Fail(ExitFailure, "list queue items", err)
			}
			if h.Conflicts, err = a.repo.ListConflictsForMapping(ctx, m.ID); err != nil {
				return p.Fail(ExitFailure, "list conflicts", err)
			}
			return p.Result(h, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s/%s\n", headerColor("mapping"), m.EntityType, m.LocalID)
				if len(h.Items) == 0 {
					fmt.Fprintln(w, dimColor("no queue items"))
				}
				for _, it := range h.Items {
					fmt.Fprintf(w, "%-6d %-11s %-7s %-15s %s\n",
						it.Seq, statusColor(it.Status), it.Operation, it.Direction, it.CreatedAt.Format("2006-01-02 15:04:05"))
					if it.ErrorMessage != "" {
						fmt.Fprintf(w, "       %s\n", dimColor(it.ErrorMessage))
					}
				}
				for _, c := range h.Conflicts {
					state := warnColor("open")
					if c.Resolved() && c.Winner != nil {
						state = successColor(fmt.Sprintf("resolved (%s)", *c.Winner))
					}
					fmt.Fprintf(w, "conflict %s %s %s\n", c.ID, c.DetectedAt.Format("2006-01-02 15:04:05"), state)
				}
			})
		},
	}
}

func newMappingsToggleCommand(opts *RootOptions, use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mapping-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			ctx := cmd.Context()
			id := models.UUID(args[0])
			if err := a.engine.Mappings().SetSyncEnabled(ctx, id, enabled); err != nil {
				return p.Fail(ExitFailure, use, err)
			}
			report, err := status.NewTracker(a.repo).Report(ctx, id)
			if err != nil {
				return p.Fail(ExitFailure, "load status", err)
			}
			return p.Result(report, func(w io.Writer) {
				state := warnColor("disabled")
				if report.SyncEnabled {
					state = successColor("enabled")
				}
				fmt.Fprintf(w, "sync %s for %s (%s)\n", state, report.MappingID, report.Status)
				if report.NeedsSync {
					fmt.Fprintln(w, dimColor("changes are waiting to be synced"))
				}
			})
		},
	}
}
