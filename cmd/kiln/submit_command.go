package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/api"
	"kiln/internal/config"
	"kiln/internal/queue"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var presetID string
	var format string
	var wait bool

	cmd := &cobra.Command{
		Use:   "submit <model-file>",
		Short: "Submit a model for slicing and packing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath, err := config.ExpandPath(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			var created api.JobResponse
			request := api.SubmitRequest{
				ModelPath:    modelPath,
				PresetID:     presetID,
				TargetFormat: format,
			}
			client := ctx.client()
			if err := client.post(cmd.Context(), "/api/jobs", request, &created); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Job %d queued (%s, preset %s, format %s)\n",
				created.Job.ID, created.Job.UUID, created.Job.PresetID, created.Job.TargetFormat)
			if !wait {
				return nil
			}

			final, err := waitForJob(cmd, client, created.Job.ID)
			if err != nil {
				return err
			}
			switch final.Status {
			case string(queue.StatusCompleted):
				fmt.Fprintf(out, "Job %d completed: %s\n", final.ID, final.ArtifactPath)
				return nil
			default:
				return fmt.Errorf("job %d %s: %s (%s)", final.ID, final.Status, final.ErrorMessage, final.ErrorKind)
			}
		},
	}

	cmd.Flags().StringVarP(&presetID, "preset", "p", "", "Preset bundle identifier (required)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Target printer format, e.g. ctb (required)")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until the job reaches a terminal state")
	_ = cmd.MarkFlagRequired("preset")
	_ = cmd.MarkFlagRequired("format")
	return cmd
}

func waitForJob(cmd *cobra.Command, client *apiClient, id int64) (api.JobView, error) {
	path := fmt.Sprintf("/api/jobs/%d", id)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var current api.JobResponse
		if err := client.get(cmd.Context(), path, &current); err != nil {
			return api.JobView{}, err
		}
		if queue.Status(current.Job.Status).IsTerminal() {
			return current.Job, nil
		}
		select {
		case <-cmd.Context().Done():
			return api.JobView{}, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
