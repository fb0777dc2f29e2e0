package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/healthsync/internal/persistence/postgres"
)

// NewMigrateCommand creates the migrate command and its up/down/version subcommands.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}

	run := func(action func(*postgres.Migrator, *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			migrator, err := postgres.NewMigrator(rootOpts.DatabaseURL)
			if err != nil {
				return err
			}
			defer migrator.Close()
			return action(migrator, cmd)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(m *postgres.Migrator, cmd *cobra.Command) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(m, cmd)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: run(func(m *postgres.Migrator, cmd *cobra.Command) error {
			if err := m.Down(); err != nil {
				return err
			}
			return printVersion(m, cmd)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE:  run(printVersion),
	})
	return cmd
}

func printVersion(m *postgres.Migrator, cmd *cobra.Command) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d%s\n", version, suffix)
	return nil
}
