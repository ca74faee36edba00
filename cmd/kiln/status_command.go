package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"kiln/internal/api"
	"kiln/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, queue, and environment status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			var status api.DaemonStatus
			err := ctx.client().get(cmd.Context(), "/api/status", &status)
			if asJSON {
				if err != nil {
					return err
				}
				return emitJSON(out, status)
			}

			fmt.Fprintln(out, sectionHeader("Daemon", colorize))
			if err != nil {
				fmt.Fprintln(out, statusLine("Daemon", statusError, "not reachable", colorize))
				fmt.Fprintln(out, "  "+err.Error())
			} else {
				fmt.Fprintln(out, statusLine("Daemon", statusOK, fmt.Sprintf("running (pid %d)", status.PID), colorize))
				fmt.Fprintln(out, statusLine("Active jobs", statusInfo, strconv.Itoa(status.ActiveJobs), colorize))
				fmt.Fprintln(out, statusLine("Pending", statusInfo, strconv.Itoa(status.Pending), colorize))
				fmt.Fprintln(out, statusLine("Completed", statusInfo, strconv.Itoa(status.Completed), colorize))
				fmt.Fprintln(out, statusLine("Failed", counterKind(status.Failed), strconv.Itoa(status.Failed), colorize))
				for _, stageHealth := range status.Stages {
					fmt.Fprintln(out, statusLine(statusLabel(stageHealth.Name)+" stage",
						readyKind(stageHealth.Ready), stageHealth.Detail, colorize))
				}
			}

			cfg := ctx.configValue()
			if cfg == nil {
				return nil
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, sectionHeader("Environment", colorize))
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				fmt.Fprintln(out, statusLine(result.Name, readyKind(result.Passed), result.Detail, colorize))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of sections")
	return cmd
}
