package slicing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"kiln/internal/cmdrun"
	"kiln/internal/config"
	"kiln/internal/display"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/services"
	"kiln/internal/stage"
)

const stageName = "slicing"

// Handler runs the slicing stage: one display session per invocation, a
// single retry with a fresh session when the failure is classified transient.
type Handler struct {
	cfg      *config.Config
	engine   *Engine
	displays *display.Manager
	logger   *slog.Logger
}

var _ stage.Handler = (*Handler)(nil)

// NewHandler wires the slicing stage.
func NewHandler(cfg *config.Config, engine *Engine, displays *display.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		engine:   engine,
		displays: displays,
		logger:   logging.NewComponentLogger(logger, stageName),
	}
}

// Prepare verifies the model file and resolved preset exist before any
// display session is spent on the job.
func (h *Handler) Prepare(ctx context.Context, job *queue.Job) error {
	if info, err := os.Stat(job.ModelPath); err != nil || info.IsDir() || info.Size() == 0 {
		return services.Wrap(services.KindSlicer, stageName, "prepare",
			fmt.Sprintf("model file %q missing or empty", job.ModelPath), err)
	}
	if strings.TrimSpace(job.PresetPath) == "" {
		return services.Wrap(services.KindInternal, stageName, "prepare",
			"job reached slicing without a resolved preset", nil)
	}
	if _, err := os.Stat(job.PresetPath); err != nil {
		return services.Wrap(services.KindPresetFetch, stageName, "prepare",
			"resolved preset bundle disappeared from cache", err)
	}
	return nil
}

// Execute slices the model, retrying once with a fresh display session when
// the failure looks transient. Every tool attempt lands in the job's
// invocation records.
func (h *Handler) Execute(ctx context.Context, job *queue.Job) error {
	outDir := h.cfg.JobDir(job.UUID)

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		err := h.displays.WithSession(ctx, func(session *display.Session) error {
			started := time.Now().UTC()
			output, results, sliceErr := h.engine.Slice(ctx, job.ModelPath, job.PresetPath, outDir, session)
			h.recordAttempts(job, attempt, started, results, sliceErr)
			if sliceErr != nil {
				return sliceErr
			}
			job.IntermediatePath = output
			return nil
		})
		if err == nil {
			h.logger.InfoContext(ctx, "slicing completed",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.String("intermediate", job.IntermediatePath),
				logging.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if !services.IsTransient(err) || ctx.Err() != nil {
			break
		}
		h.logger.WarnContext(ctx, "slicing attempt failed, retrying with fresh session",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.Int("attempt", attempt),
			logging.Error(err))
	}
	return lastErr
}

func (h *Handler) recordAttempts(job *queue.Job, attempt int, started time.Time, results []cmdrun.Result, sliceErr error) {
	for i, res := range results {
		record := queue.Invocation{
			Stage:      stageName,
			Attempt:    attempt,
			Command:    res.CommandLine,
			ExitCode:   res.ExitCode,
			DurationMS: res.Duration.Milliseconds(),
			StartedAt:  started,
		}
		failed := sliceErr != nil || i < len(results)-1
		if failed {
			record.Excerpt = services.Excerpt(services.Redact(res.Output, h.cfg.Paths.StagingDir))
		}
		if err := job.AppendInvocation(record); err != nil {
			h.logger.Warn("could not record slicer invocation", logging.Error(err))
		}
	}
}

// HealthCheck verifies the wrapper and engine binaries resolve on PATH.
func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	binaries := []string{h.cfg.Slicer.XvfbBinary, h.cfg.Slicer.Binary}
	if h.cfg.Slicer.WrapDBus {
		binaries = append([]string{h.cfg.Slicer.DBusBinary}, binaries...)
	}
	for _, binary := range binaries {
		if _, err := exec.LookPath(binary); err != nil {
			return stage.Unhealthy(stageName, fmt.Sprintf("%s not found on PATH", binary))
		}
	}
	return stage.Healthy(stageName)
}
