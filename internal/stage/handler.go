// Package stage defines the contract between the pipeline coordinator and
// the individual job stages.
package stage

import (
	"context"

	"kiln/internal/queue"
)

// Handler describes the contract the pipeline manager needs from each stage.
// Prepare validates inputs and fills job fields before Execute does the work;
// HealthCheck reports readiness for preflight and the daemon status API.
type Handler interface {
	Prepare(context.Context, *queue.Job) error
	Execute(context.Context, *queue.Job) error
	HealthCheck(context.Context) Health
}
