// Package pipeline coordinates print jobs through the
// resolving_preset -> slicing -> packing state machine. A bounded worker pool
// claims jobs FIFO from the queue; each job is owned by exactly one worker
// from claim to terminal state.
package pipeline
