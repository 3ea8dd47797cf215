package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/foreman/internal/config"
	"github.com/metalagman/foreman/internal/logging"
)

var (
	debug    bool
	settings *config.Settings
	rootCmd  = &cobra.Command{
		Use:   "foreman",
		Short: "foreman is a durable multi-step AI agent job orchestrator",
	}
)

// Execute runs the root command.
func Execute() error {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if debug {
			cfg.LogLevel = "debug"
		}
		logging.Init(cfg.LogLevel, cfg.LogJSON)
		settings = cfg
		return nil
	}
	rootCmd.AddCommand(runnerCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(unlockCmd())
	rootCmd.AddCommand(resultCmd())
	rootCmd.AddCommand(retentionCmd())
	rootCmd.AddCommand(workersCmd())
	return rootCmd.Execute()
}
