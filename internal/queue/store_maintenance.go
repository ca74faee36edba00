package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates job state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch {
		case status == StatusPending:
			health.Pending += count
		case status == StatusCompleted:
			health.Completed += count
		case status == StatusFailed:
			health.Failed += count
		case status.IsProcessing():
			health.Processing += count
		}
	}
	return health, nil
}

// ResetStuckProcessing returns jobs abandoned mid-stage (daemon crash or kill)
// to pending so a worker can pick them up again.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	placeholders := make([]string, 0, len(processingStatuses))
	args := make([]any, 0, len(processingStatuses)+2)
	now := formatTime(time.Now().UTC())
	args = append(args, StatusPending, now)
	for status := range processingStatuses {
		placeholders = append(placeholders, "?")
		args = append(args, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = '', updated_at = ?
         WHERE status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// FailProcessing marks all in-flight jobs failed with the supplied reason.
// Used during daemon shutdown when workers cannot finish.
func (s *Store) FailProcessing(ctx context.Context, kind, reason string) (int64, error) {
	placeholders := make([]string, 0, len(processingStatuses))
	args := make([]any, 0, len(processingStatuses)+5)
	now := formatTime(time.Now().UTC())
	args = append(args, StatusFailed, kind, reason, now, now)
	for status := range processingStatuses {
		placeholders = append(placeholders, "?")
		args = append(args, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, updated_at = ?, completed_at = ?
         WHERE status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("fail processing jobs: %w", err)
	}
	return res.RowsAffected()
}

// TerminalOlderThan lists completed and failed jobs whose last update predates
// the cutoff. The pipeline's retention sweep removes their artifacts before
// purging the rows.
func (s *Store) TerminalOlderThan(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE status IN (?, ?) AND updated_at < ?
         ORDER BY updated_at ASC`,
		StatusCompleted, StatusFailed, formatTime(cutoff.UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes a job row. Returns false when no row matched.
func (s *Store) Remove(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClearTerminal deletes all completed and failed job rows.
func (s *Store) ClearTerminal(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN (?, ?)`,
		StatusCompleted, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear terminal jobs: %w", err)
	}
	return res.RowsAffected()
}
