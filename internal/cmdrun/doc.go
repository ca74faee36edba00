// Package cmdrun issues external tool invocations with bounded output
// capture, wall-clock timeouts, and process-group cleanup.
package cmdrun
