package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"kiln/internal/api"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitWritesSample(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	output, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(output, target) {
		t.Errorf("output should name the target: %q", output)
	}

	contents, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(contents), "[preset_store]") {
		t.Error("sample config should contain the preset_store section")
	}

	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Error("second init without --overwrite should fail")
	}
	if _, err := runCommand(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Errorf("init with --overwrite: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCommand(t, "config", "init", "--path", target); err != nil {
		t.Fatal(err)
	}

	output, err := runCommand(t, "config", "validate", "--config", target)
	if err != nil {
		t.Fatalf("validate: %v (%s)", err, output)
	}
	if !strings.Contains(output, "valid") {
		t.Errorf("output = %q", output)
	}

	if err := os.WriteFile(target, []byte("[display]\nmax_sessions = -3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCommand(t, "config", "validate", "--config", target); err == nil {
		t.Error("negative max_sessions should fail validation")
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := runCommand(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(output, "kiln") {
		t.Errorf("output = %q", output)
	}
}

func TestStatusLabel(t *testing.T) {
	cases := map[string]string{
		"resolving_preset": "Resolving Preset",
		"slicing":          "Slicing",
		"":                 "",
	}
	for input, want := range cases {
		if got := statusLabel(input); got != want {
			t.Errorf("statusLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestShortPath(t *testing.T) {
	if got := shortPath("/tmp/model.stl"); got != "/tmp/model.stl" {
		t.Errorf("short paths pass through, got %q", got)
	}
	long := "/very/long/path/" + strings.Repeat("x", 60) + "/model.stl"
	got := shortPath(long)
	if len(got) > 40 || !strings.HasPrefix(got, "...") {
		t.Errorf("shortPath = %q", got)
	}
}

func TestRenderJobTable(t *testing.T) {
	jobs := []api.JobView{
		{
			ID:           7,
			Status:       "resolving_preset",
			PresetID:     "petg-standard",
			TargetFormat: "ctb",
			ModelPath:    "/models/bracket.stl",
			CreatedAt:    time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC),
		},
	}
	rendered := renderJobTable(jobs)
	for _, want := range []string{"ID", "7", "Resolving Preset", "petg-standard", "ctb", "/models/bracket.stl"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered table missing %q:\n%s", want, rendered)
		}
	}
}
