package config

import (
	"fmt"
	"regexp"
	"strings"
)

var screenGeometryPattern = regexp.MustCompile(`^\d+x\d+x\d+$`)

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if err := c.Paths.validate(); err != nil {
		return err
	}
	if err := c.PresetStore.validate(); err != nil {
		return err
	}
	if err := c.PresetCache.validate(); err != nil {
		return err
	}
	if err := c.Display.validate(); err != nil {
		return err
	}
	if err := c.Slicer.validate(); err != nil {
		return err
	}
	if err := c.Packer.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.validate(); err != nil {
		return err
	}
	return c.Logging.validate()
}

func (p *Paths) validate() error {
	if p.StagingDir == "" {
		return fmt.Errorf("paths.staging_dir must be set")
	}
	if p.LogDir == "" {
		return fmt.Errorf("paths.log_dir must be set")
	}
	if p.APIBind == "" {
		return fmt.Errorf("paths.api_bind must be set")
	}
	return nil
}

func (p *PresetStore) validate() error {
	if p.BaseURL == "" {
		return fmt.Errorf("preset_store.base_url must be set")
	}
	if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
		return fmt.Errorf("preset_store.base_url must be an http(s) URL, got %q", p.BaseURL)
	}
	if p.RequestTimeout <= 0 {
		return fmt.Errorf("preset_store.request_timeout must be positive, got %d", p.RequestTimeout)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("preset_store.max_retries must not be negative, got %d", p.MaxRetries)
	}
	return nil
}

func (p *PresetCache) validate() error {
	if p.Dir == "" {
		return fmt.Errorf("preset_cache.dir must be set")
	}
	if p.MaxMiB <= 0 {
		return fmt.Errorf("preset_cache.max_mib must be positive, got %d", p.MaxMiB)
	}
	return nil
}

func (d *Display) validate() error {
	if d.MaxSessions <= 0 {
		return fmt.Errorf("display.max_sessions must be positive, got %d", d.MaxSessions)
	}
	if d.BaseNumber < 1 {
		return fmt.Errorf("display.base_number must be at least 1, got %d", d.BaseNumber)
	}
	if d.AcquireTimeout <= 0 {
		return fmt.Errorf("display.acquire_timeout must be positive, got %d", d.AcquireTimeout)
	}
	if !screenGeometryPattern.MatchString(d.ScreenGeometry) {
		return fmt.Errorf("display.screen_geometry must look like WIDTHxHEIGHTxDEPTH, got %q", d.ScreenGeometry)
	}
	return nil
}

func (s *Slicer) validate() error {
	if s.Binary == "" {
		return fmt.Errorf("slicer.binary must be set")
	}
	if s.XvfbBinary == "" {
		return fmt.Errorf("slicer.xvfb_binary must be set")
	}
	if s.WrapDBus && s.DBusBinary == "" {
		return fmt.Errorf("slicer.dbus_binary must be set when wrap_dbus is enabled")
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("slicer.timeout must be positive, got %d", s.Timeout)
	}
	if s.IntermediateExt == "" {
		return fmt.Errorf("slicer.intermediate_ext must be set")
	}
	return nil
}

func (p *Packer) validate() error {
	if p.Binary == "" {
		return fmt.Errorf("packer.binary must be set")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("packer.timeout must be positive, got %d", p.Timeout)
	}
	if len(p.Formats) == 0 {
		return fmt.Errorf("packer.formats must list at least one output format")
	}
	return nil
}

func (p *Pipeline) validate() error {
	if p.MaxActiveJobs <= 0 {
		return fmt.Errorf("pipeline.max_active_jobs must be positive, got %d", p.MaxActiveJobs)
	}
	if p.QueuePollInterval <= 0 {
		return fmt.Errorf("pipeline.queue_poll_interval must be positive, got %d", p.QueuePollInterval)
	}
	if p.RetentionHours < 0 {
		return fmt.Errorf("pipeline.retention_hours must not be negative, got %d", p.RetentionHours)
	}
	if p.MaintenanceInterval <= 0 {
		return fmt.Errorf("pipeline.maintenance_interval must be positive, got %d", p.MaintenanceInterval)
	}
	return nil
}

func (l *Logging) validate() error {
	switch l.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", l.Format)
	}
	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", l.Level)
	}
	return nil
}
