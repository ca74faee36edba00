package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StagingDir string `toml:"staging_dir"`
	LogDir     string `toml:"log_dir"`
	OutputDir  string `toml:"output_dir"`
	APIBind    string `toml:"api_bind"`
	APIToken   string `toml:"api_token"`
}

// PresetStore configures the remote object store presets are fetched from.
type PresetStore struct {
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout"`
	MaxRetries     int    `toml:"max_retries"`
}

// PresetCache configures the on-disk preset bundle cache.
type PresetCache struct {
	Dir    string `toml:"dir"`
	MaxMiB int    `toml:"max_mib"`
}

// Display configures the virtual display session pool used by slicing.
type Display struct {
	MaxSessions    int    `toml:"max_sessions"`
	BaseNumber     int    `toml:"base_number"`
	AcquireTimeout int    `toml:"acquire_timeout"`
	ScreenGeometry string `toml:"screen_geometry"`
}

// Slicer configures the external slicing engine invocation.
type Slicer struct {
	Binary          string   `toml:"binary"`
	XvfbBinary      string   `toml:"xvfb_binary"`
	DBusBinary      string   `toml:"dbus_binary"`
	WrapDBus        bool     `toml:"wrap_dbus"`
	Timeout         int      `toml:"timeout"`
	IntermediateExt string   `toml:"intermediate_ext"`
	ExtraArgs       []string `toml:"extra_args"`
}

// Packer configures the external format-packing tool invocation.
type Packer struct {
	Binary  string   `toml:"binary"`
	Timeout int      `toml:"timeout"`
	Formats []string `toml:"formats"`
}

// Pipeline contains coordinator timing and capacity settings.
type Pipeline struct {
	MaxActiveJobs       int `toml:"max_active_jobs"`
	QueuePollInterval   int `toml:"queue_poll_interval"`
	RetentionHours      int `toml:"retention_hours"`
	MaintenanceInterval int `toml:"maintenance_interval"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for kiln.
//
// Configuration sections by subsystem:
//   - Paths: staging/log directories and API bind address
//   - PresetStore: remote object storage for preset bundles
//   - PresetCache: local preset bundle cache sizing
//   - Display: virtual display session pool for the slicer
//   - Slicer: slicing engine binary and invocation settings
//   - Packer: format-packing tool binary and supported formats
//   - Pipeline: worker pool sizing, polling, and artifact retention
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	PresetStore PresetStore `toml:"preset_store"`
	PresetCache PresetCache `toml:"preset_cache"`
	Display     Display     `toml:"display"`
	Slicer      Slicer      `toml:"slicer"`
	Packer      Packer      `toml:"packer"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/kiln/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("kiln.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StagingDir, c.Paths.LogDir, c.Paths.OutputDir, c.PresetCache.Dir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// JobDir returns the per-job staging directory for the given job UUID.
func (c *Config) JobDir(jobUUID string) string {
	return filepath.Join(c.Paths.StagingDir, "jobs", jobUUID)
}

// DisplayDir returns the root directory for per-session display state.
func (c *Config) DisplayDir() string {
	return filepath.Join(c.Paths.StagingDir, "displays")
}

// WorkerCount returns the effective pipeline worker pool size. When
// pipeline.max_active_jobs is unset the pool is bounded by the display
// session count, since slicing cannot exceed it anyway.
func (c *Config) WorkerCount() int {
	if c.Pipeline.MaxActiveJobs > 0 {
		return c.Pipeline.MaxActiveJobs
	}
	return c.Display.MaxSessions
}

// SupportsFormat reports whether the packer is configured for the format.
func (c *Config) SupportsFormat(format string) bool {
	format = strings.ToLower(strings.TrimSpace(format))
	for _, known := range c.Packer.Formats {
		if strings.ToLower(strings.TrimSpace(known)) == format {
			return true
		}
	}
	return false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
