package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
	serverURL  string
	apiToken   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Conveyor - transfer process orchestration engine",
		Long: `Conveyor drives data transfer processes between a consumer and a
provider through their lifecycle: provisioning, the transfer request,
start, completion or termination, and deprovisioning.

Run "conveyor serve" to start an instance. The remaining commands talk to a
running instance through its management API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8181", "management API base URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "management API bearer token")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newMigrateCommand(version))
	rootCmd.AddCommand(newInitiateCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	for _, action := range triggerActions {
		rootCmd.AddCommand(newTriggerCommand(action))
	}
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
