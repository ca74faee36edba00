// Package queue persists print jobs in SQLite and mediates every status
// transition the pipeline makes.
package queue
