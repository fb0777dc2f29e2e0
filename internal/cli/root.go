// Package cli implements the healthctl operator commands.
package cli

import (
	"github.com/spf13/cobra"

	"example.com/healthsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	DatabaseURL string
}

// NewRootCommand creates the healthctl root command.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "healthctl",
		Short:         "Operate the health sync store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", cfg.PostgresURL, "postgres connection url (POSTGRES_URL)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewFingerprintCommand())
	cmd.AddCommand(NewValidateCommand())
	return cmd
}
