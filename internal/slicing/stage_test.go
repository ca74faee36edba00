package slicing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kiln/internal/cmdrun"
	"kiln/internal/config"
	"kiln/internal/display"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/services"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.StagingDir = t.TempDir()
	cfg.PresetStore.BaseURL = "https://presets.example.com"
	cfg.Slicer = testSlicerConfig()
	return &cfg
}

func testJob(t *testing.T, cfg *config.Config) *queue.Job {
	t.Helper()
	modelPath := filepath.Join(t.TempDir(), "boat.stl")
	if err := os.WriteFile(modelPath, []byte("solid boat"), 0o644); err != nil {
		t.Fatal(err)
	}
	presetPath := filepath.Join(t.TempDir(), "resin.ini")
	if err := os.WriteFile(presetPath, []byte("layer_height = 0.05"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &queue.Job{
		ID:         1,
		UUID:       "test-job",
		ModelPath:  modelPath,
		PresetID:   "resin",
		PresetPath: presetPath,
		Status:     queue.StatusSlicing,
	}
}

func newHandler(t *testing.T, cfg *config.Config, runner cmdrun.Runner) *Handler {
	t.Helper()
	displays, err := display.NewManager(cfg.DisplayDir(), 1, 90, time.Second, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	engine := NewEngine(cfg.Slicer, cfg.Display.ScreenGeometry, runner, logging.NewNop())
	return NewHandler(cfg, engine, displays, logging.NewNop())
}

func TestExecuteRecordsInvocationAndOutput(t *testing.T) {
	cfg := testConfig(t)
	job := testJob(t, cfg)
	outDir := cfg.JobDir(job.UUID)

	runner := &fakeRunner{respond: func(call int, cmd cmdrun.Command) (cmdrun.Result, error) {
		if err := os.WriteFile(filepath.Join(outDir, "boat.sl1"), []byte("layers"), 0o644); err != nil {
			t.Fatal(err)
		}
		return cmdrun.Result{CommandLine: cmd.Line(), ExitCode: 0, Duration: time.Second}, nil
	}}
	handler := newHandler(t, cfg, runner)

	ctx := context.Background()
	if err := handler.Prepare(ctx, job); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if err := handler.Execute(ctx, job); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if job.IntermediatePath == "" {
		t.Fatal("intermediate path not recorded on job")
	}
	records, err := job.Invocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Stage != "slicing" || records[0].ExitCode != 0 {
		t.Errorf("records = %+v", records)
	}
	if records[0].Excerpt != "" {
		t.Error("successful attempts should not store an excerpt")
	}
}

func TestExecuteRetriesTransientWithFreshSession(t *testing.T) {
	cfg := testConfig(t)
	job := testJob(t, cfg)
	outDir := cfg.JobDir(job.UUID)

	sessions := make(map[string]struct{})
	runner := &fakeRunner{respond: func(call int, cmd cmdrun.Command) (cmdrun.Result, error) {
		for _, env := range cmd.Env {
			sessions[env] = struct{}{}
		}
		// Both variants of attempt one fail with a display error; the
		// retry succeeds.
		if call < 2 {
			return cmdrun.Result{ExitCode: 1, Output: "xvfb-run: error"}, errors.New("exit 1")
		}
		if err := os.WriteFile(filepath.Join(outDir, "boat.sl1"), []byte("layers"), 0o644); err != nil {
			t.Fatal(err)
		}
		return cmdrun.Result{ExitCode: 0}, nil
	}}
	handler := newHandler(t, cfg, runner)

	if err := handler.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute should succeed on retry: %v", err)
	}
	records, err := job.Invocations()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3 (two failed variants + success)", len(records))
	}
	if records[0].Attempt != 1 || records[2].Attempt != 2 {
		t.Errorf("attempt numbering wrong: %+v", records)
	}
	if records[0].Excerpt == "" {
		t.Error("failed attempts should keep a diagnostic excerpt")
	}
}

func TestExecuteDoesNotRetryDeterministicFailure(t *testing.T) {
	cfg := testConfig(t)
	job := testJob(t, cfg)

	calls := 0
	runner := &fakeRunner{respond: func(call int, cmd cmdrun.Command) (cmdrun.Result, error) {
		calls++
		return cmdrun.Result{ExitCode: 2, Output: "objects do not fit"}, errors.New("exit 2")
	}}
	handler := newHandler(t, cfg, runner)

	err := handler.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure")
	}
	if services.IsTransient(err) {
		t.Error("deterministic failure misclassified")
	}
	// Two command variants within the one attempt, no second attempt.
	if calls != 2 {
		t.Errorf("runner calls = %d, want 2", calls)
	}
}

func TestPrepareRejectsMissingModel(t *testing.T) {
	cfg := testConfig(t)
	job := testJob(t, cfg)
	job.ModelPath = filepath.Join(t.TempDir(), "gone.stl")

	handler := newHandler(t, cfg, &fakeRunner{})
	if err := handler.Prepare(context.Background(), job); err == nil {
		t.Fatal("missing model should fail Prepare")
	}
}

func TestPrepareRejectsMissingPreset(t *testing.T) {
	cfg := testConfig(t)
	job := testJob(t, cfg)
	job.PresetPath = ""

	handler := newHandler(t, cfg, &fakeRunner{})
	err := handler.Prepare(context.Background(), job)
	if err == nil {
		t.Fatal("unresolved preset should fail Prepare")
	}
	if services.KindOf(err) != services.KindInternal {
		t.Errorf("kind = %s", services.KindOf(err))
	}
}

func TestHealthCheckReportsMissingBinary(t *testing.T) {
	cfg := testConfig(t)
	cfg.Slicer.Binary = "kiln-no-such-slicer"
	handler := newHandler(t, cfg, &fakeRunner{})

	health := handler.HealthCheck(context.Background())
	if health.Ready {
		t.Error("health should fail with the slicer missing")
	}

	cfg.Slicer.Binary = "sh"
	cfg.Slicer.XvfbBinary = "sh"
	cfg.Slicer.DBusBinary = "sh"
	if health := handler.HealthCheck(context.Background()); !health.Ready {
		t.Errorf("health = %+v", health)
	}
}
