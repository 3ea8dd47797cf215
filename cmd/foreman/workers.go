package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalagman/foreman/internal/policy"
	"github.com/metalagman/foreman/internal/worker"
)

func workersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List registered agents and, with real CLI enabled, preflight their binaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := worker.DefaultRegistry(settings.EnableRealCLI)
			mode := "simulated"
			if settings.EnableRealCLI {
				mode = "real CLI"
			}
			for _, name := range reg.Names() {
				fmt.Printf("%s (%s)\n", name, mode)
			}
			if !settings.EnableRealCLI {
				return nil
			}
			versions, err := policy.Preflight(context.Background(), settings.AllowedBinaries, settings.MinBinaryVersions, reg.Names())
			for bin, ver := range versions {
				fmt.Printf("  %s %s\n", bin, ver)
			}
			return err
		},
	}
}
