// Package preflight verifies that kiln's runtime environment is usable
// before the daemon accepts work: tool binaries resolve, directories are
// writable, and the preset store answers.
package preflight

import (
	"context"

	"kiln/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable check for the given config. Checks tied
// to optional features only run when the feature is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Staging directory", cfg.Paths.StagingDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Preset cache directory", cfg.PresetCache.Dir),
	}
	if cfg.Paths.OutputDir != "" {
		results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	}

	results = append(results,
		CheckBinary("Slicer", cfg.Slicer.Binary, "converts models into layer stacks"),
		CheckBinary("Xvfb wrapper", cfg.Slicer.XvfbBinary, "provides the headless display the slicer needs"),
		CheckBinary("Packer", cfg.Packer.Binary, "packs layer stacks into printer formats"),
	)
	if cfg.Slicer.WrapDBus {
		results = append(results, CheckBinary("D-Bus session", cfg.Slicer.DBusBinary, "isolates the slicer's session bus"))
	}

	results = append(results, CheckPresetStore(ctx, cfg.PresetStore))
	return results
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, result := range results {
		if !result.Passed {
			return false
		}
	}
	return true
}
