package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/stage"
)

// PresetResolver resolves a preset identifier to a local bundle path.
// Satisfied by presetcache.Cache.
type PresetResolver interface {
	Resolve(ctx context.Context, presetID string) (string, error)
}

// Manager owns the worker pool and drives jobs to a terminal state.
type Manager struct {
	cfg     *config.Config
	store   *queue.Store
	presets PresetResolver
	slicer  stage.Handler
	packer  stage.Handler
	logger  *slog.Logger

	mu     sync.Mutex
	active map[int64]context.CancelFunc

	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager wires the coordinator. All collaborators are injected; their
// lifecycle belongs to the daemon.
func NewManager(cfg *config.Config, store *queue.Store, presets PresetResolver, slicer, packer stage.Handler, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   store,
		presets: presets,
		slicer:  slicer,
		packer:  packer,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
		active:  make(map[int64]context.CancelFunc),
	}
}

// Start recovers abandoned jobs and launches the worker pool plus the
// maintenance sweep. It returns immediately; Stop drains the pool.
func (m *Manager) Start(ctx context.Context) error {
	reset, err := m.store.ResetStuckProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover abandoned jobs: %w", err)
	}
	if reset > 0 {
		m.logger.InfoContext(ctx, "requeued jobs abandoned by previous run",
			logging.Int64("count", reset))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	workers := m.cfg.WorkerCount()
	for i := range workers {
		m.wg.Add(1)
		go m.worker(runCtx, i)
	}
	m.wg.Add(1)
	go m.maintenanceLoop(runCtx)

	m.logger.InfoContext(ctx, "pipeline started",
		logging.Int("workers", workers),
		logging.Int("poll_interval_seconds", m.cfg.Pipeline.QueuePollInterval))
	return nil
}

// Stop cancels all in-flight work and waits for the workers to exit.
// In-flight jobs stay in their processing status; the next Start requeues
// them via ResetStuckProcessing.
func (m *Manager) Stop() {
	m.draining.Store(true)
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info("pipeline stopped")
}

// Cancel aborts a job. Pending jobs are failed in place before any worker
// claims them; running jobs have their worker's context cancelled, which
// kills the active child process group.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	job, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", id)
	}

	switch {
	case job.Status == queue.StatusPending:
		cancelled, err := m.store.CancelPending(ctx, id)
		if err != nil {
			return err
		}
		if !cancelled {
			// Claimed between the read and the update; fall through to
			// the running path.
			return m.cancelRunning(id)
		}
		m.logger.InfoContext(ctx, "cancelled queued job", logging.Int64(logging.FieldJobID, id))
		return nil
	case job.Status.IsProcessing():
		return m.cancelRunning(id)
	default:
		return fmt.Errorf("job %d is already %s", id, job.Status)
	}
}

func (m *Manager) cancelRunning(id int64) error {
	// A worker registers its cancel func right after claiming, so a job the
	// store reports as processing may not be in the registry for a moment.
	// Look again briefly before declaring it gone.
	deadline := time.Now().Add(time.Second)
	for {
		m.mu.Lock()
		cancel, ok := m.active[id]
		m.mu.Unlock()
		if ok {
			cancel()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job %d is not running", id)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.Pipeline.QueuePollInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := m.store.ClaimNextPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("claim failed", logging.Int("worker", id), logging.Error(err))
		} else if job != nil {
			m.runJob(ctx, job)
			// Check for more work immediately after finishing a job.
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) register(id int64, cancel context.CancelFunc) {
	m.mu.Lock()
	m.active[id] = cancel
	m.mu.Unlock()
}

func (m *Manager) unregister(id int64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// ActiveJobs reports how many jobs are currently owned by workers.
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
