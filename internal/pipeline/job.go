package pipeline

import (
	"context"
	"time"

	"kiln/internal/logging"
	"kiln/internal/observability"
	"kiln/internal/queue"
	"kiln/internal/services"
	"kiln/internal/stage"
)

// runJob drives one claimed job through every remaining stage. The calling
// worker owns the job exclusively until it reaches a terminal state.
func (m *Manager) runJob(ctx context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.register(job.ID, cancel)
	defer m.unregister(job.ID)

	observability.ActiveJobs(1)
	defer observability.ActiveJobs(-1)

	jobCtx = services.WithJobID(jobCtx, job.ID)
	logger := logging.WithContext(jobCtx, m.logger)
	logger.InfoContext(jobCtx, "job started",
		logging.String("event_type", "job_start"),
		logging.String("model", job.ModelPath),
		logging.String("preset_id", job.PresetID),
		logging.String("target_format", job.TargetFormat))

	if err := m.resolvePreset(jobCtx, job); err != nil {
		m.finishFailed(jobCtx, job, err)
		return
	}
	if err := m.runStage(jobCtx, job, queue.StatusSlicing, m.slicer); err != nil {
		m.finishFailed(jobCtx, job, err)
		return
	}
	if err := m.runStage(jobCtx, job, queue.StatusPacking, m.packer); err != nil {
		m.finishFailed(jobCtx, job, err)
		return
	}

	job.Status = queue.StatusCompleted
	job.CompletedAt = time.Now().UTC()
	if err := m.store.Update(jobCtx, job); err != nil {
		logger.Error("persist completion", logging.Error(err))
		return
	}
	observability.JobFinished("completed", "")
	logger.InfoContext(jobCtx, "job completed",
		logging.String("event_type", "job_complete"),
		logging.String("artifact", job.ArtifactPath),
		logging.Duration("elapsed", time.Since(job.StartedAt)))
}

// resolvePreset is the first stage. The job is already in resolving_preset
// from the claim.
func (m *Manager) resolvePreset(ctx context.Context, job *queue.Job) error {
	stageCtx := services.WithStage(ctx, string(queue.StatusResolvingPreset))
	started := time.Now()
	path, err := m.presets.Resolve(stageCtx, job.PresetID)
	observability.ObserveStage(string(queue.StatusResolvingPreset), outcome(err), time.Since(started).Seconds())
	if err != nil {
		return err
	}
	job.PresetPath = path
	return m.store.Update(ctx, job)
}

func (m *Manager) runStage(ctx context.Context, job *queue.Job, status queue.Status, handler stage.Handler) error {
	job.Status = status
	if err := m.store.Update(ctx, job); err != nil {
		return services.Wrap(services.KindInternal, string(status), "persist",
			"persist stage transition", err)
	}

	stageCtx := services.WithStage(ctx, string(status))
	started := time.Now()
	err := handler.Prepare(stageCtx, job)
	if err == nil {
		err = handler.Execute(stageCtx, job)
	}
	observability.ObserveStage(string(status), outcome(err), time.Since(started).Seconds())
	if err != nil {
		return err
	}
	return m.store.Update(ctx, job)
}

// finishFailed records the terminal failure. During daemon shutdown the job
// is left in its processing status instead, so the next start requeues it.
func (m *Manager) finishFailed(ctx context.Context, job *queue.Job, stageErr error) {
	logger := logging.WithContext(ctx, m.logger)
	if m.draining.Load() {
		logger.InfoContext(ctx, "job interrupted by shutdown, will requeue on next start",
			logging.String("event_type", "job_interrupted"))
		_ = m.store.Update(context.WithoutCancel(ctx), job)
		return
	}

	details := services.ErrorDetails(stageErr)
	job.Status = queue.StatusFailed
	job.ErrorKind = string(details.Kind)
	job.ErrorMessage = services.Redact(details.Message, m.cfg.Paths.StagingDir)
	job.CompletedAt = time.Now().UTC()

	// The job context may already be cancelled; persistence must still happen.
	if err := m.store.Update(context.WithoutCancel(ctx), job); err != nil {
		logger.Error("persist failure", logging.Error(err))
	}
	observability.JobFinished("failed", job.ErrorKind)
	logger.ErrorContext(ctx, "job failed",
		logging.String("event_type", "job_failure"),
		logging.String(logging.FieldErrorKind, job.ErrorKind),
		logging.String("error_message", job.ErrorMessage),
		logging.Error(stageErr))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
