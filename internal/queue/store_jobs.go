package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `id, uuid, model_path, preset_id, target_format, status,
	error_kind, error_message, preset_path, intermediate_path, artifact_path,
	invocations_json, created_at, updated_at, started_at, completed_at`

// NewJob inserts a pending job for the given model, preset, and output format.
func (s *Store) NewJob(ctx context.Context, modelPath, presetID, targetFormat string) (*Job, error) {
	now := time.Now().UTC()
	timestamp := formatTime(now)
	jobUUID := uuid.NewString()

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (uuid, model_path, preset_id, target_format, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobUUID,
		modelPath,
		presetID,
		strings.ToLower(strings.TrimSpace(targetFormat)),
		StatusPending,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a job by its numeric identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// GetByUUID fetches a job by its public UUID.
func (s *Store) GetByUUID(ctx context.Context, jobUUID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE uuid = ?`, jobUUID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// Update persists all mutable fields of the job and bumps updated_at.
func (s *Store) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
            status = ?, error_kind = ?, error_message = ?, preset_path = ?,
            intermediate_path = ?, artifact_path = ?, invocations_json = ?,
            updated_at = ?, started_at = ?, completed_at = ?
         WHERE id = ?`,
		job.Status,
		job.ErrorKind,
		job.ErrorMessage,
		job.PresetPath,
		job.IntermediatePath,
		job.ArtifactPath,
		job.InvocationsJSON,
		formatTime(job.UpdatedAt),
		formatTime(job.StartedAt),
		formatTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %d: %w", job.ID, err)
	}
	return nil
}

// List returns jobs, optionally filtered by status, oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
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

// ClaimNextPending atomically claims the oldest pending job for a worker by
// moving it to resolving_preset. Returns nil when nothing is pending.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		StatusPending,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	now := formatTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusResolvingPreset, now, now, id, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Someone else took it between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return s.GetByID(ctx, id)
}

// CancelPending marks a still-pending job as failed with a cancelled kind,
// before any worker claims it. Returns false when the job was not pending.
func (s *Store) CancelPending(ctx context.Context, id int64) (bool, error) {
	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_kind = ?, error_message = ?, updated_at = ?, completed_at = ?
         WHERE id = ? AND status = ?`,
		StatusFailed, "cancelled", CancelledReason, now, now, id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("cancel pending job %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*Job, error) {
	var job Job
	var createdAt, updatedAt, startedAt, completedAt string
	err := scanner.Scan(
		&job.ID,
		&job.UUID,
		&job.ModelPath,
		&job.PresetID,
		&job.TargetFormat,
		&job.Status,
		&job.ErrorKind,
		&job.ErrorMessage,
		&job.PresetPath,
		&job.IntermediatePath,
		&job.ArtifactPath,
		&job.InvocationsJSON,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	job.StartedAt = parseTime(startedAt)
	job.CompletedAt = parseTime(completedAt)
	return &job, nil
}
