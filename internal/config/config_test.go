package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.PresetStore.BaseURL = "https://presets.example.com"
	return cfg
}

func TestDefaultValidatesWithBaseURL(t *testing.T) {
	cfg := validConfig()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileStillValidatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected validation error: defaults have no preset_store.base_url")
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
staging_dir = "` + dir + `/staging"
log_dir = "` + dir + `/logs"

[preset_store]
base_url = "https://store.example.com/presets/"

[packer]
formats = ["CTB", " photon "]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to be reported as existing")
	}
	if resolved != path {
		t.Errorf("resolved path = %q, want %q", resolved, path)
	}
	if got := cfg.PresetStore.BaseURL; strings.HasSuffix(got, "/") {
		t.Errorf("base_url should have trailing slash trimmed, got %q", got)
	}
	if !cfg.SupportsFormat("ctb") || !cfg.SupportsFormat("PHOTON") {
		t.Errorf("normalized formats should match case-insensitively: %v", cfg.Packer.Formats)
	}
	if cfg.SupportsFormat("stl") {
		t.Error("stl should not be a supported output format")
	}
	if cfg.Slicer.Binary != "prusa-slicer" {
		t.Errorf("defaults should survive partial files, slicer.binary = %q", cfg.Slicer.Binary)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad format":   "[logging]\nformat = \"xml\"\n[preset_store]\nbase_url = \"https://x\"",
		"bad level":    "[logging]\nlevel = \"trace\"\n[preset_store]\nbase_url = \"https://x\"",
		"bad geometry": "[display]\nscreen_geometry = \"huge\"\n[preset_store]\nbase_url = \"https://x\"",
		"bad timeout":  "[slicer]\ntimeout = 0\n[preset_store]\nbase_url = \"https://x\"",
		"no store url": "[paths]\napi_bind = \"127.0.0.1:7171\"",
		"plain url":    "[preset_store]\nbase_url = \"ftp://x\"",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "config.toml")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, _, err := Load(path); err == nil {
			t.Errorf("%s: expected Load to fail", name)
		}
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandPath("~/kiln-test")
	if err != nil {
		t.Fatalf("expandPath failed: %v", err)
	}
	if got != filepath.Join(home, "kiln-test") {
		t.Errorf("expandPath(~/kiln-test) = %q", got)
	}
}

func TestIntermediateExtNormalized(t *testing.T) {
	cfg := validConfig()
	cfg.Slicer.IntermediateExt = "SL1"
	if err := cfg.normalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Slicer.IntermediateExt != ".sl1" {
		t.Errorf("intermediate_ext = %q, want .sl1", cfg.Slicer.IntermediateExt)
	}
}

func TestWorkerCountFallsBackToDisplaySessions(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.MaxActiveJobs = 0
	cfg.Display.MaxSessions = 3
	if got := cfg.WorkerCount(); got != 3 {
		t.Errorf("WorkerCount() = %d, want 3", got)
	}
	cfg.Pipeline.MaxActiveJobs = 5
	if got := cfg.WorkerCount(); got != 5 {
		t.Errorf("WorkerCount() = %d, want 5", got)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "[preset_store]") {
		t.Error("sample config missing [preset_store] section")
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := validConfig()
	cfg.Paths.StagingDir = filepath.Join(dir, "staging")
	cfg.Paths.LogDir = filepath.Join(dir, "logs")
	cfg.PresetCache.Dir = filepath.Join(dir, "cache")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{cfg.Paths.StagingDir, cfg.Paths.LogDir, cfg.PresetCache.Dir} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %q not created", d)
		}
	}
}
