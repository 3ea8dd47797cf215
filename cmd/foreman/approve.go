package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job_id>",
		Short: "Release a job from awaiting_approval back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if err := q.Approve(args[0]); err != nil {
				return err
			}
			fmt.Printf("approved %s\n", args[0])
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <job_id>",
		Short: "Force a stuck running job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue()
			if err != nil {
				return err
			}
			if err := q.Unlock(args[0]); err != nil {
				return err
			}
			fmt.Printf("unlocked %s\n", args[0])
			return nil
		},
	}
}
