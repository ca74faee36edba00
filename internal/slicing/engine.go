package slicing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiln/internal/cmdrun"
	"kiln/internal/config"
	"kiln/internal/display"
	"kiln/internal/logging"
	"kiln/internal/services"
)

// Engine invokes the slicer binary headlessly inside a display session.
type Engine struct {
	cfg      config.Slicer
	geometry string
	runner   cmdrun.Runner
	logger   *slog.Logger
}

// NewEngine builds an engine from the slicer config section.
func NewEngine(cfg config.Slicer, geometry string, runner cmdrun.Runner, logger *slog.Logger) *Engine {
	if runner == nil {
		runner = &cmdrun.ProcessRunner{}
	}
	return &Engine{
		cfg:      cfg,
		geometry: geometry,
		runner:   runner,
		logger:   logging.NewComponentLogger(logger, "slicing"),
	}
}

// Slice runs the slicer on modelPath with the preset bundle loaded, writing
// into outDir. Two invocation variants are tried in order: first with an
// explicit layer output directory, then letting the engine pick and
// discovering the result afterwards. Returns the validated intermediate file
// plus a record of every attempt made.
func (e *Engine) Slice(ctx context.Context, modelPath, presetPath, outDir string, session *display.Session) (string, []cmdrun.Result, error) {
	layersDir := filepath.Join(outDir, "layers")
	if err := os.MkdirAll(layersDir, 0o755); err != nil {
		return "", nil, services.Wrap(services.KindSlicer, "slicing", "prepare",
			"create output directory", err)
	}

	variants := [][]string{
		e.slicerArgs(modelPath, presetPath, outDir, layersDir),
		e.slicerArgs(modelPath, presetPath, outDir, ""),
	}

	var attempts []cmdrun.Result
	var result cmdrun.Result
	var runErr error
	for _, args := range variants {
		command := e.wrap(args, session)
		e.logger.InfoContext(ctx, "invoking slicer",
			logging.String("command", command.Line()),
			logging.Int("display_number", session.Number))
		result, runErr = e.runner.Run(ctx, command)
		attempts = append(attempts, result)
		if runErr == nil {
			break
		}
	}
	if runErr != nil {
		return "", attempts, e.classify(result, runErr)
	}

	output, err := discoverIntermediate(outDir, e.cfg.IntermediateExt)
	if err != nil {
		return "", attempts, err
	}
	return output, attempts, nil
}

func (e *Engine) slicerArgs(modelPath, presetPath, outDir, layersDir string) []string {
	args := []string{
		"--no-gui",
		"--export-sla",
		"--load", presetPath,
		"--output", outDir,
	}
	if layersDir != "" {
		args = append(args, "--sla-output", layersDir)
	}
	args = append(args, e.cfg.ExtraArgs...)
	return append(args, modelPath)
}

// wrap nests the slicer invocation inside xvfb-run (and optionally a private
// dbus session) bound to the session's display number and environment.
func (e *Engine) wrap(slicerArgs []string, session *display.Session) cmdrun.Command {
	xvfbArgs := []string{
		"-n", fmt.Sprintf("%d", session.Number),
		"-s", fmt.Sprintf("-screen 0 %s", e.geometry),
		e.cfg.Binary,
	}
	xvfbArgs = append(xvfbArgs, slicerArgs...)

	name := e.cfg.XvfbBinary
	args := xvfbArgs
	if e.cfg.WrapDBus {
		name = e.cfg.DBusBinary
		args = append([]string{"--", e.cfg.XvfbBinary}, xvfbArgs...)
	}
	return cmdrun.Command{
		Name:    name,
		Args:    args,
		Env:     session.DisplayEnv(),
		Timeout: time.Duration(e.cfg.Timeout) * time.Second,
	}
}

// Engine exits with a non-zero code for both bad input and environment
// trouble. Display and launch failures are worth retrying with a fresh
// session; everything else is deterministic.
var transientMarkers = []string{
	"unable to open display",
	"cannot open display",
	"xvfb-run: error",
	"failed to start message bus",
	"server already active for display",
}

func (e *Engine) classify(result cmdrun.Result, runErr error) error {
	switch {
	case errors.Is(runErr, context.DeadlineExceeded) || result.TimedOut:
		return services.Wrap(services.KindTimeout, "slicing", "slice",
			fmt.Sprintf("slicer exceeded %ds", e.cfg.Timeout), runErr)
	case errors.Is(runErr, context.Canceled):
		return services.Wrap(services.KindCancelled, "slicing", "slice",
			"slicer invocation cancelled", runErr)
	case cmdrun.IsLaunch(runErr):
		return services.WrapTransient(services.KindSlicer, "slicing", "slice",
			"slicer failed to launch", runErr)
	}

	lowered := strings.ToLower(result.Output)
	for _, marker := range transientMarkers {
		if strings.Contains(lowered, marker) {
			return services.WrapTransient(services.KindSlicer, "slicing", "slice",
				"display startup failed", runErr)
		}
	}
	return services.Wrap(services.KindSlicer, "slicing", "slice",
		fmt.Sprintf("slicer exited with code %d", result.ExitCode), runErr)
}

// discoverIntermediate locates the layer archive the slicer produced and
// validates it is non-empty. The engine names the file after the model, but
// some builds pick their own name, so fall back to scanning the tree.
func discoverIntermediate(outDir, ext string) (string, error) {
	var newest string
	var newestMod time.Time
	err := filepath.WalkDir(outDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() == 0 {
			return nil
		}
		if info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", services.Wrap(services.KindSlicer, "slicing", "discover",
			"scan slicer output", err)
	}
	if newest == "" {
		return "", services.Wrap(services.KindSlicer, "slicing", "discover",
			fmt.Sprintf("slicer produced no %s file in %s", ext, filepath.Base(outDir)), nil)
	}
	return newest, nil
}
