package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func resultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job_id>",
		Short: "Print a finished job's result.json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := openStore()
			result, err := store.ReadResult(args[0])
			if err != nil {
				return err
			}
			if result == nil {
				return fmt.Errorf("no result for job %q yet", args[0])
			}
			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
