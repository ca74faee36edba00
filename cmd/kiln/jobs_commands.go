package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"kiln/internal/api"
)

func newListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var listing api.JobListResponse
			if err := ctx.client().get(cmd.Context(), "/api/jobs", &listing); err != nil {
				return err
			}
			if asJSON {
				return emitJSON(cmd.OutOrStdout(), listing)
			}

			out := cmd.OutOrStdout()
			if len(listing.Jobs) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			fmt.Fprintln(out, renderJobTable(listing.Jobs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show full details for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			var response api.JobResponse
			if err := ctx.client().get(cmd.Context(), fmt.Sprintf("/api/jobs/%d", id), &response); err != nil {
				return err
			}
			if asJSON {
				return emitJSON(cmd.OutOrStdout(), response)
			}
			printJob(cmd, response.Job)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}

			var response api.JobResponse
			if err := ctx.client().post(cmd.Context(), fmt.Sprintf("/api/jobs/%d/cancel", id), nil, &response); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d is now %s\n", response.Job.ID, statusLabel(response.Job.Status))
			return nil
		},
	}
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

func printJob(cmd *cobra.Command, job api.JobView) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job %d (%s)\n", job.ID, job.UUID)
	fmt.Fprintf(out, "  Status:   %s\n", statusLabel(job.Status))
	fmt.Fprintf(out, "  Model:    %s\n", job.ModelPath)
	fmt.Fprintf(out, "  Preset:   %s\n", job.PresetID)
	fmt.Fprintf(out, "  Format:   %s\n", job.TargetFormat)
	fmt.Fprintf(out, "  Created:  %s\n", job.CreatedAt.Local().Format(time.RFC1123))
	if job.StartedAt != nil {
		fmt.Fprintf(out, "  Started:  %s\n", job.StartedAt.Local().Format(time.RFC1123))
	}
	if job.CompletedAt != nil {
		fmt.Fprintf(out, "  Finished: %s\n", job.CompletedAt.Local().Format(time.RFC1123))
	}
	if job.ArtifactPath != "" {
		fmt.Fprintf(out, "  Artifact: %s\n", job.ArtifactPath)
	}
	if job.ErrorKind != "" {
		fmt.Fprintf(out, "  Error:    [%s] %s\n", job.ErrorKind, job.ErrorMessage)
	}
	if len(job.Invocations) > 0 {
		fmt.Fprintln(out, "  Invocations:")
		for _, record := range job.Invocations {
			fmt.Fprintf(out, "    %s attempt %d: exit %d in %dms\n",
				statusLabel(record.Stage), record.Attempt, record.ExitCode, record.DurationMS)
			if record.Excerpt != "" {
				fmt.Fprintf(out, "      %s\n", record.Excerpt)
			}
		}
	}
}

func shortPath(path string) string {
	const max = 40
	if len(path) <= max {
		return path
	}
	return "..." + path[len(path)-max+3:]
}
