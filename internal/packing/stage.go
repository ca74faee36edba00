package packing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"kiln/internal/cmdrun"
	"kiln/internal/config"
	"kiln/internal/fileutil"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/services"
	"kiln/internal/stage"
)

const stageName = "packing"

// Handler runs the packing stage. The stage is headless: no display session
// is involved, only the packer process with its own timeout.
type Handler struct {
	cfg    *config.Config
	runner cmdrun.Runner
	logger *slog.Logger
}

var _ stage.Handler = (*Handler)(nil)

// NewHandler wires the packing stage.
func NewHandler(cfg *config.Config, runner cmdrun.Runner, logger *slog.Logger) *Handler {
	if runner == nil {
		runner = &cmdrun.ProcessRunner{}
	}
	return &Handler{
		cfg:    cfg,
		runner: runner,
		logger: logging.NewComponentLogger(logger, stageName),
	}
}

// Prepare enforces the slicing handoff invariant and fails fast on formats
// the packer does not support, before any process is spawned.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if info, err := os.Stat(job.IntermediatePath); err != nil || info.IsDir() || info.Size() == 0 {
		return services.Wrap(services.KindInternal, stageName, "prepare",
			"job reached packing without a validated intermediate file", err)
	}
	if !h.cfg.SupportsFormat(job.TargetFormat) {
		return services.Wrap(services.KindUnsupportedFormat, stageName, "prepare",
			fmt.Sprintf("format %q is not in the supported set %v", job.TargetFormat, h.cfg.Packer.Formats), nil)
	}
	return nil
}

// Execute invokes the packer, retrying once only when the process itself
// failed to launch. Tool-reported failures are never retried.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	artifactPath := h.artifactPath(job)
	// The format is passed explicitly; the output extension alone is not a
	// selector every converter build honors.
	command := cmdrun.Command{
		Name:    h.cfg.Packer.Binary,
		Args:    []string{"convert", "--format", job.TargetFormat, job.IntermediatePath, artifactPath},
		Timeout: time.Duration(h.cfg.Packer.Timeout) * time.Second,
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		started := time.Now().UTC()
		result, runErr := h.runner.Run(ctx, command)
		h.record(job, attempt, started, result, runErr)
		if runErr == nil {
			if err := validateArtifact(artifactPath); err != nil {
				return err
			}
			job.ArtifactPath = artifactPath
			if err := h.export(job); err != nil {
				return err
			}
			h.logger.InfoContext(ctx, "packing completed",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.String("artifact", artifactPath),
				logging.String("format", job.TargetFormat))
			return nil
		}
		lastErr = h.classify(result, runErr)
		if !cmdrun.IsLaunch(runErr) || ctx.Err() != nil {
			break
		}
		h.logger.WarnContext(ctx, "packer launch failed, retrying",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Error(runErr))
	}
	return lastErr
}

func (h *Handler) artifactPath(job *queue.Job) string {
	base := filepath.Base(job.IntermediatePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(h.cfg.JobDir(job.UUID), stem+"."+job.TargetFormat)
}

// export copies the finished artifact into output_dir when one is configured.
// The exported name carries the job UUID so concurrent jobs for the same
// model never clobber each other.
func (h *Handler) export(job *queue.Job) error {
	if h.cfg.Paths.OutputDir == "" {
		return nil
	}
	name := job.UUID + "-" + filepath.Base(job.ArtifactPath)
	exported := filepath.Join(h.cfg.Paths.OutputDir, name)
	if err := fileutil.CopyFileVerified(job.ArtifactPath, exported); err != nil {
		return services.Wrap(services.KindPacker, stageName, "export",
			fmt.Sprintf("could not export artifact to %s", h.cfg.Paths.OutputDir), err)
	}
	job.ArtifactPath = exported
	return nil
}

func (h *Handler) classify(result cmdrun.Result, runErr error) error {
	switch {
	case errors.Is(runErr, context.DeadlineExceeded) || result.TimedOut:
		return services.Wrap(services.KindTimeout, stageName, "pack",
			fmt.Sprintf("packer exceeded %ds", h.cfg.Packer.Timeout), runErr)
	case errors.Is(runErr, context.Canceled):
		return services.Wrap(services.KindCancelled, stageName, "pack",
			"packer invocation cancelled", runErr)
	case cmdrun.IsLaunch(runErr):
		return services.WrapTransient(services.KindPacker, stageName, "pack",
			"packer failed to launch", runErr)
	}
	return services.Wrap(services.KindPacker, stageName, "pack",
		fmt.Sprintf("packer exited with code %d", result.ExitCode), runErr)
}

func (h *Handler) record(job *queue.Job, attempt int, started time.Time, result cmdrun.Result, runErr error) {
	record := queue.Invocation{
		Stage:      stageName,
		Attempt:    attempt,
		Command:    result.CommandLine,
		ExitCode:   result.ExitCode,
		DurationMS: result.Duration.Milliseconds(),
		StartedAt:  started,
	}
	if runErr != nil {
		record.Excerpt = services.Excerpt(services.Redact(result.Output, h.cfg.Paths.StagingDir))
	}
	if err := job.AppendInvocation(record); err != nil {
		h.logger.Warn("could not record packer invocation", logging.Error(err))
	}
}

func validateArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Size() == 0 {
		return services.Wrap(services.KindPacker, stageName, "pack",
			"packer reported success but produced no artifact", err)
	}
	return nil
}

// HealthCheck verifies the packer binary resolves on PATH.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(h.cfg.Packer.Binary); err != nil {
		return stage.Unhealthy(stageName, fmt.Sprintf("%s not found on PATH", h.cfg.Packer.Binary))
	}
	return stage.Healthy(stageName)
}
