// Package config loads, normalizes, and validates the TOML configuration
// shared by the kiln daemon and CLI.
package config
