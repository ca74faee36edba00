package config

import "strings"

func (c *Config) normalize() error {
	if err := c.Paths.normalize(); err != nil {
		return err
	}
	if err := c.PresetCache.normalize(); err != nil {
		return err
	}
	c.PresetStore.normalize()
	c.Slicer.normalize()
	c.Packer.normalize()
	c.Logging.normalize()
	return nil
}

func (p *Paths) normalize() error {
	for _, field := range []*string{&p.StagingDir, &p.LogDir, &p.OutputDir} {
		expanded, err := expandPath(strings.TrimSpace(*field))
		if err != nil {
			return err
		}
		*field = expanded
	}
	p.APIBind = strings.TrimSpace(p.APIBind)
	p.APIToken = strings.TrimSpace(p.APIToken)
	return nil
}

func (p *PresetStore) normalize() {
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
}

func (p *PresetCache) normalize() error {
	expanded, err := expandPath(strings.TrimSpace(p.Dir))
	if err != nil {
		return err
	}
	p.Dir = expanded
	return nil
}

func (s *Slicer) normalize() {
	s.Binary = strings.TrimSpace(s.Binary)
	s.XvfbBinary = strings.TrimSpace(s.XvfbBinary)
	s.DBusBinary = strings.TrimSpace(s.DBusBinary)
	s.IntermediateExt = strings.ToLower(strings.TrimSpace(s.IntermediateExt))
	if s.IntermediateExt != "" && !strings.HasPrefix(s.IntermediateExt, ".") {
		s.IntermediateExt = "." + s.IntermediateExt
	}
}

func (p *Packer) normalize() {
	p.Binary = strings.TrimSpace(p.Binary)
	formats := make([]string, 0, len(p.Formats))
	for _, format := range p.Formats {
		format = strings.ToLower(strings.TrimSpace(format))
		if format == "" {
			continue
		}
		formats = append(formats, format)
	}
	p.Formats = formats
}

func (l *Logging) normalize() {
	l.Format = strings.ToLower(strings.TrimSpace(l.Format))
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if l.Format == "" {
		l.Format = "console"
	}
	if l.Level == "" {
		l.Level = "info"
	}
}
