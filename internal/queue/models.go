package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a print job.
type Status string

const (
	StatusPending         Status = "pending"
	StatusResolvingPreset Status = "resolving_preset"
	StatusSlicing         Status = "slicing"
	StatusPacking         Status = "packing"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// CancelledReason is the error message recorded when a user cancels a job.
const CancelledReason = "cancelled by user"

var allStatuses = []Status{
	StatusPending,
	StatusResolvingPreset,
	StatusSlicing,
	StatusPacking,
	StatusCompleted,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var processingStatuses = map[Status]struct{}{
	StatusResolvingPreset: {},
	StatusSlicing:         {},
	StatusPacking:         {},
}

// ParseStatus validates a status string supplied by API clients.
func ParseStatus(value string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := statusSet[status]; !ok {
		return "", fmt.Errorf("unknown job status %q", value)
	}
	return status, nil
}

// IsProcessing reports whether the status indicates a worker owns the job.
func (s Status) IsProcessing() bool {
	_, ok := processingStatuses[s]
	return ok
}

// IsTerminal reports whether the job can no longer change state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Invocation records one external tool attempt made on behalf of a job.
type Invocation struct {
	Stage      string    `json:"stage"`
	Attempt    int       `json:"attempt"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Excerpt    string    `json:"excerpt,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Job represents a queued print job persisted in SQLite.
type Job struct {
	ID               int64
	UUID             string
	ModelPath        string
	PresetID         string
	TargetFormat     string
	Status           Status
	ErrorKind        string
	ErrorMessage     string
	PresetPath       string
	IntermediatePath string
	ArtifactPath     string
	InvocationsJSON  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Invocations decodes the per-attempt tool records stored on the job.
func (j *Job) Invocations() ([]Invocation, error) {
	if strings.TrimSpace(j.InvocationsJSON) == "" {
		return nil, nil
	}
	var records []Invocation
	if err := json.Unmarshal([]byte(j.InvocationsJSON), &records); err != nil {
		return nil, fmt.Errorf("decode invocation records: %w", err)
	}
	return records, nil
}

// AppendInvocation adds a tool attempt record to the job's JSON log.
func (j *Job) AppendInvocation(record Invocation) error {
	records, err := j.Invocations()
	if err != nil {
		return err
	}
	records = append(records, record)
	encoded, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode invocation records: %w", err)
	}
	j.InvocationsJSON = string(encoded)
	return nil
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}
