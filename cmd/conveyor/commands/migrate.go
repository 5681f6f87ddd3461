package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/conveyor/pkg/telemetry"
)

func newMigrateCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply the schema migrations of the configured SQLite or PostgreSQL
store and exit. Useful when database.auto_migrate is disabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(version)
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				return fmt.Errorf("the memory store has no schema to migrate")
			}
			cfg.Database.AutoMigrate = true

			store, err := openStore(cmd.Context(), cfg, telemetry.NewNopLogger())
			if err != nil {
				return err
			}
			if c, ok := store.(interface{ Close() error }); ok {
				defer c.Close()
			}

			log.Info().Str("database", cfg.Database.Driver).Msg("Migrations applied")
			return nil
		},
	}
	return cmd
}
