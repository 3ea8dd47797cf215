package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/metalagman/foreman/internal/model"
)

func enqueueCmd() *cobra.Command {
	var goal string
	cmd := &cobra.Command{
		Use:   "enqueue [job.json]",
		Short: "Validate a job spec and place it in the pending queue",
		Long: `Enqueue reads a job spec from a file (or stdin when the argument is "-"),
validates it against the schema, and moves it into pending/. With --goal a
job is synthesized with the default plan/implement/review pipeline instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readJobSpec(args, goal)
			if err != nil {
				return err
			}
			q, err := openQueue()
			if err != nil {
				return err
			}
			id, err := q.Enqueue(spec)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&goal, "goal", "", "synthesize a default pipeline job for this goal")
	return cmd
}

func readJobSpec(args []string, goal string) (*model.JobSpec, error) {
	if goal != "" {
		spec := &model.JobSpec{
			SchemaVersion: model.SchemaVersion,
			JobID:         model.NewJobID(),
			CreatedAt:     model.UTCNow(),
			Source:        model.JobSource{Type: "cli"},
			Goal:          goal,
			Workdir:       ".",
			Steps:         model.DefaultPipeline(goal),
		}
		return spec, spec.Validate()
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("a job spec file (or --goal) is required")
	}

	var raw []byte
	var err error
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	if err := model.ValidateJobJSON(raw); err != nil {
		return nil, err
	}
	var spec model.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	if spec.SchemaVersion == "" {
		spec.SchemaVersion = model.SchemaVersion
	}
	if spec.CreatedAt == "" {
		spec.CreatedAt = model.UTCNow()
	}
	if spec.Source.Type == "" {
		spec.Source.Type = "cli"
	}
	return &spec, spec.Validate()
}
