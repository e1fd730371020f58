package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/bridgesync/internal/db"
)

// NewMigrateCommand creates the migrate command group.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(newMigrateUpCommand(rootOpts))
	cmd.AddCommand(newMigrateDownCommand(rootOpts))
	cmd.AddCommand(newMigrateStatusCommand(rootOpts))
	return cmd
}

// openMigrator opens the configured database without migrating it.
func openMigrator(cmd *cobra.Command, opts *RootOptions) (*db.DB, *db.Migrator, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	m := db.NewMigrator(database.DB, db.Migrations())
	if err := m.Initialize(cmd.Context()); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, m, nil
}

func newMigrateUpCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			database, m, err := openMigrator(cmd, opts)
			if err != nil {
				return p.Fail(ExitCommandError, "open database", err)
			}
			defer database.Close()

			if err := m.Up(cmd.Context()); err != nil {
				return p.Fail(ExitFailure, "migrate up", err)
			}
			version, err := m.CurrentVersion(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "read version", err)
			}
			return p.Result(map[string]int{"version": version}, func(w io.Writer) {
				fmt.Fprintf(w, "%s schema at version %d\n", successColor("ok"), version)
			})
		},
	}
}

func newMigrateDownCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			database, m, err := openMigrator(cmd, opts)
			if err != nil {
				return p.Fail(ExitCommandError, "open database", err)
			}
			defer database.Close()

			if err := m.Down(cmd.Context()); err != nil {
				return p.Fail(ExitFailure, "migrate down", err)
			}
			version, err := m.CurrentVersion(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "read version", err)
			}
			return p.Result(map[string]int{"version": version}, func(w io.Writer) {
				fmt.Fprintf(w, "%s rolled back to version %d\n", warnColor("ok"), version)
			})
		},
	}
}

type migrationView struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	AppliedAt   string `json:"applied_at"`
	Checksum    string `json:"checksum"`
}

func newMigrateStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &Printer{Format: opts.Format, Writer: cmd.OutOrStdout()}
			database, m, err := openMigrator(cmd, opts)
			if err != nil {
				return p.Fail(ExitCommandError, "open database", err)
			}
			defer database.Close()

			applied, err := m.AppliedMigrations(cmd.Context())
			if err != nil {
				return p.Fail(ExitFailure, "list migrations", err)
			}
			views := make([]migrationView, 0, len(applied))
			for _, mig := range applied {
				views = append(views, migrationView{
					Version:     mig.Version,
					Description: mig.Description,
					AppliedAt:   mig.AppliedAt.UTC().Format("2006-01-02 15:04:05"),
					Checksum:    mig.Checksum,
				})
			}
			return p.Result(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, dimColor("no migrations applied"))
					return
				}
				fmt.Fprintln(w, headerColor("VERSION  APPLIED              DESCRIPTION"))
				for _, v := range views {
					fmt.Fprintf(w, "%-8d %-20s %s\n", v.Version, v.AppliedAt, v.Description)
				}
			})
		},
	}
}
