package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"kiln/internal/api"
)

func newPresetCommand(ctx *commandContext) *cobra.Command {
	presetCmd := &cobra.Command{
		Use:   "preset",
		Short: "Preset bundle utilities",
	}

	checkCmd := &cobra.Command{
		Use:   "check <preset-id>",
		Short: "Verify a preset resolves from the store or cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var check api.PresetCheckResponse
			path := "/api/presets/" + url.PathEscape(args[0])
			if err := ctx.client().get(cmd.Context(), path, &check); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Preset %s resolved to %s\n", check.PresetID, check.Path)
			return nil
		},
	}

	presetCmd.AddCommand(checkCmd)
	return presetCmd
}
