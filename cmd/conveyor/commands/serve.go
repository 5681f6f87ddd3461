package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a conveyor instance",
		Long: `Run the transfer process manager together with the HTTP API, the
AMQP command consumer and event publisher (when enabled), and the
housekeeping jobs. The instance shuts down gracefully on SIGINT or SIGTERM.`,
		Example: `  # Start with ./conveyor.yaml or /etc/conveyor/conveyor.yaml
  conveyor serve

  # Start with an explicit config and JSON logs
  conveyor serve --config ./deploy/conveyor.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(version)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			log.Info().
				Str("instance", cfg.Engine.InstanceID).
				Str("database", cfg.Database.Driver).
				Bool("http", cfg.HTTP.Enabled).
				Bool("amqp", cfg.AMQP.Enabled).
				Msg("Starting conveyor")

			return a.run(ctx)
		},
	}
	return cmd
}
