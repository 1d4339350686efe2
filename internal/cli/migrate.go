package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command. Every command migrates on
// start, this one reports what ran.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "migrate",
		Short:         "Create or update the database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), rootOpts, cmd.OutOrStdout(), func(a *app) error {
				if a.migrated == nil || a.migrated.IsZero() {
					return a.out.Success(map[string]any{"applied": []string{}}, "Schema is current.\n")
				}

				applied := make([]string, 0, len(a.migrated.Migrations))
				for _, m := range a.migrated.Migrations {
					applied = append(applied, m.Name)
				}
				return a.out.Success(map[string]any{"applied": applied}, fmt.Sprintf("Applied %s.\n", a.migrated))
			})
		},
	}
}
