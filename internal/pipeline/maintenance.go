package pipeline

import (
	"context"
	"os"
	"time"

	"kiln/internal/logging"
)

func (m *Manager) maintenanceLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := time.Duration(m.cfg.Pipeline.MaintenanceInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweepExpired(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("retention sweep failed", logging.Error(err))
			}
		}
	}
}

// sweepExpired removes artifacts and rows of terminal jobs older than the
// retention window. retention_hours = 0 disables the sweep.
func (m *Manager) sweepExpired(ctx context.Context) error {
	if m.cfg.Pipeline.RetentionHours <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(m.cfg.Pipeline.RetentionHours) * time.Hour)
	return m.sweepWithCutoff(ctx, cutoff)
}

func (m *Manager) sweepWithCutoff(ctx context.Context, cutoff time.Time) error {
	expired, err := m.store.TerminalOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, job := range expired {
		if err := os.RemoveAll(m.cfg.JobDir(job.UUID)); err != nil {
			m.logger.Warn("could not remove expired job artifacts",
				logging.Int64(logging.FieldJobID, job.ID),
				logging.Error(err))
			continue
		}
		if _, err := m.store.Remove(ctx, job.ID); err != nil {
			return err
		}
		m.logger.InfoContext(ctx, "purged expired job",
			logging.Int64(logging.FieldJobID, job.ID),
			logging.String("status", string(job.Status)))
	}
	return nil
}
