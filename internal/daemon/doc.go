// Package daemon ties the job store, preset cache, display manager, and
// pipeline into a single lifecycle with flock-based locking to prevent
// multiple instances, and serves the HTTP API.
package daemon
