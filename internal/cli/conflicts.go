package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bridgesync/internal/models"
	"github.com/kimhsiao/bridgesync/internal/sync/conflict"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
	}
	cmd.AddCommand(newConflictsListCommand(rootOpts))
	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var all bool
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			conflicts, err := a.repo.ListConflicts(cmd.Context(), !all, limit)
			if err != nil {
				return p.Fail(ExitFailure, "list conflicts", err)
			}
			return p.Result(conflicts, func(w io.Writer) {
				if len(conflicts) == 0 {
					fmt.Fprintln(w, dimColor("no conflicts"))
					return
				}
				fmt.Fprintln(w, headerColor("ID                                    MAPPING                               DETECTED             STATE"))
				for _, c := range conflicts {
					state := warnColor("open")
					if c.Resolved() && c.Winner != nil {
						state = successColor(fmt.Sprintf("resolved (%s)", *c.Winner))
					}
					fmt.Fprintf(w, "%-37s %-37s %-20s %s\n",
						c.ID, c.MappingID, c.DetectedAt.Format("2006-01-02 15:04:05"), state)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conflicts to list")
	return cmd
}

func newConflictsResolveCommand(opts *RootOptions) *cobra.Command {
	var strategy string
	var all bool

	cmd := &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Resolve one conflict, or every open conflict with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("a conflict id cannot be combined with --all")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("requires a conflict id or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}

			var st models.ConflictStrategy
			if strategy != "" {
				parsed, err := models.ParseConflictStrategy(strategy)
				if err != nil {
					return p.Fail(ExitCommandError, "invalid --strategy", err)
				}
				st = parsed
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return p.Fail(ExitCommandError, "startup failed", err)
			}
			defer a.Close()

			var resolved []*conflict.Resolution
			if all {
				resolved, err = a.engine.ResolveAll(cmd.Context(), st)
			} else {
				var res *conflict.Resolution
				res, err = a.engine.ResolveConflict(cmd.Context(), models.UUID(args[0]), st)
				if res != nil {
					resolved = append(resolved, res)
				}
			}
			if err != nil {
				if len(resolved) > 0 {
					printResolutions(p, resolved)
				}
				return p.Fail(ExitFailure, "resolve", err)
			}
			return printResolutions(p, resolved)
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "prefer_cms|prefer_forum|prefer_most_recent|merge_prefer_cms|merge_prefer_forum (default: configured)")
	cmd.Flags().BoolVar(&all, "all", false, "resolve every open conflict")
	return cmd
}

func printResolutions(p *Printer, resolved []*conflict.Resolution) error {
	return p.Result(resolved, func(w io.Writer) {
		if len(resolved) == 0 {
			fmt.Fprintln(w, dimColor("nothing to resolve"))
			return
		}
		for _, r := range resolved {
			fmt.Fprintf(w, "%s %s  %s wins over %s (%s)\n",
				successColor("resolved"), r.ConflictID, r.Winner, r.Loser, r.Strategy)
		}
	})
}
