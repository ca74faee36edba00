// Package logging configures slog output for the daemon and CLI and provides
// the attr helpers and context plumbing used across the pipeline packages.
package logging
