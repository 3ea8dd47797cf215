package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metalagman/foreman/internal/retention"
)

func retentionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retention",
		Short: "Run one retention sweep over artifacts and workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			sweeper := retention.New(q, settings.ArtifactsRoot, settings.WorkspacesRoot,
				time.Duration(settings.ArtifactsTTLSec)*time.Second,
				time.Duration(settings.WorkspacesTTLSec)*time.Second)
			res, err := sweeper.Sweep()
			if err != nil {
				return err
			}
			fmt.Printf("removed %d, protected %d, kept %d\n", len(res.Removed), res.Protected, res.Kept)
			for _, path := range res.Removed {
				fmt.Println("  " + path)
			}
			return nil
		},
	}
}
