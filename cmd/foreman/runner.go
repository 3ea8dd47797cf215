package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/metalagman/foreman/internal/retention"
	"github.com/metalagman/foreman/internal/runner"
	"github.com/metalagman/foreman/internal/worker"
)

func runnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Claim and execute queued jobs until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			ws, err := openWorkspaces()
			if err != nil {
				return err
			}
			tracker, closeBudget, err := openBudget()
			if err != nil {
				return err
			}
			defer closeBudget()

			reg := worker.DefaultRegistry(settings.EnableRealCLI)
			r, err := runner.New(settings, q, openStore(), ws, reg, tracker)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sweeper := retention.New(q, settings.ArtifactsRoot, settings.WorkspacesRoot,
				time.Duration(settings.ArtifactsTTLSec)*time.Second,
				time.Duration(settings.WorkspacesTTLSec)*time.Second)
			go sweeper.Run(ctx, time.Duration(settings.RetentionIntervalSec)*time.Second)

			log.Info().
				Bool("real_cli", settings.EnableRealCLI).
				Strs("agents", reg.Names()).
				Str("queue", settings.QueueRoot).
				Msg("runner started")
			return r.Run(ctx)
		},
	}
}
