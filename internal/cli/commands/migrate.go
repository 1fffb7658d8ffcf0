package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate subcommand.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "migrate",
		Short:   "Apply the database schema",
		Example: `  DATABASE_URL=postgres://localhost/platform liteclaw-platform migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			pg, err := openPostgres(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pg.Close()

			applied, err := pg.Migrate(cmd.Context())
			for _, name := range applied {
				cmd.Printf("Applied %s\n", name)
			}
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			if len(applied) == 0 {
				cmd.Println("Schema is up to date.")
			}
			return nil
		},
	}
}
