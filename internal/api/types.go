// Package api defines the JSON payloads shared by the daemon HTTP API and
// the CLI client.
package api

import (
	"time"

	"kiln/internal/queue"
)

// SubmitRequest asks the daemon to enqueue a new print job.
type SubmitRequest struct {
	ModelPath    string `json:"model_path"`
	PresetID     string `json:"preset_id"`
	TargetFormat string `json:"target_format"`
}

// JobView is the wire representation of a job.
type JobView struct {
	ID           int64              `json:"id"`
	UUID         string             `json:"uuid"`
	ModelPath    string             `json:"model_path"`
	PresetID     string             `json:"preset_id"`
	TargetFormat string             `json:"target_format"`
	Status       string             `json:"status"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	ArtifactPath string             `json:"artifact_path,omitempty"`
	Invocations  []queue.Invocation `json:"invocations,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// FromJob converts a queue row into its wire form.
func FromJob(job *queue.Job) JobView {
	view := JobView{
		ID:           job.ID,
		UUID:         job.UUID,
		ModelPath:    job.ModelPath,
		PresetID:     job.PresetID,
		TargetFormat: job.TargetFormat,
		Status:       string(job.Status),
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		ArtifactPath: job.ArtifactPath,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if records, err := job.Invocations(); err == nil {
		view.Invocations = records
	}
	if !job.StartedAt.IsZero() {
		started := job.StartedAt
		view.StartedAt = &started
	}
	if !job.CompletedAt.IsZero() {
		completed := job.CompletedAt
		view.CompletedAt = &completed
	}
	return view
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// JobListResponse wraps a job listing.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// StageHealth mirrors stage.Health on the wire.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus summarizes daemon runtime state.
type DaemonStatus struct {
	Running      bool          `json:"running"`
	PID          int           `json:"pid"`
	QueueDBPath  string        `json:"queue_db_path"`
	LockFilePath string        `json:"lock_file_path"`
	ActiveJobs   int           `json:"active_jobs"`
	Pending      int           `json:"pending"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Stages       []StageHealth `json:"stages"`
}

// PresetCheckResponse reports the outcome of a preset resolve check.
type PresetCheckResponse struct {
	PresetID string `json:"preset_id"`
	Path     string `json:"path,omitempty"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
