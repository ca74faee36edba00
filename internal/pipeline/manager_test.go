package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/queue"
	"kiln/internal/services"
	"kiln/internal/stage"
)

type fakeResolver struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeResolver) Resolve(ctx context.Context, presetID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, presetID)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "/cache/" + presetID + ".ini", nil
}

type fakeHandler struct {
	name    string
	execute func(ctx context.Context, job *queue.Job) error
}

func (f *fakeHandler) Prepare(ctx context.Context, job *queue.Job) error { return nil }

func (f *fakeHandler) Execute(ctx context.Context, job *queue.Job) error {
	if f.execute != nil {
		return f.execute(ctx, job)
	}
	return nil
}

func (f *fakeHandler) HealthCheck(ctx context.Context) stage.Health { return stage.Healthy(f.name) }

func testManager(t *testing.T, slicer, packer stage.Handler, resolver PresetResolver) (*Manager, *queue.Store, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.StagingDir = t.TempDir()
	cfg.Paths.LogDir = t.TempDir()
	cfg.PresetCache.Dir = t.TempDir()
	cfg.PresetStore.BaseURL = "https://presets.example.com"
	cfg.Pipeline.MaxActiveJobs = 1
	cfg.Pipeline.QueuePollInterval = 1

	store, err := queue.Open(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if resolver == nil {
		resolver = &fakeResolver{}
	}
	manager := NewManager(&cfg, store, resolver, slicer, packer, logging.NewNop())
	return manager, store, &cfg
}

func waitForStatus(t *testing.T, store *queue.Store, id int64, want queue.Status) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if job.Status == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), id)
	t.Fatalf("job %d never reached %s (currently %s)", id, want, job.Status)
	return nil
}

func TestJobRunsAllStagesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	slicer := &fakeHandler{name: "slicing", execute: func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		order = append(order, "slicing")
		mu.Unlock()
		job.IntermediatePath = "/staging/x.sl1"
		return nil
	}}
	packer := &fakeHandler{name: "packing", execute: func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		order = append(order, "packing")
		mu.Unlock()
		job.ArtifactPath = "/staging/x.ctb"
		return nil
	}}

	manager, store, _ := testManager(t, slicer, packer, nil)
	ctx := context.Background()
	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}

	if err := manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer manager.Stop()

	done := waitForStatus(t, store, job.ID, queue.StatusCompleted)
	if done.PresetPath != "/cache/resin-fast.ini" {
		t.Errorf("preset path = %q", done.PresetPath)
	}
	if done.ArtifactPath != "/staging/x.ctb" {
		t.Errorf("artifact = %q", done.ArtifactPath)
	}
	if done.CompletedAt.IsZero() {
		t.Error("completed_at not stamped")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "slicing" || order[1] != "packing" {
		t.Errorf("stage order = %v", order)
	}
}

func TestStageFailureMovesJobToFailed(t *testing.T) {
	slicer := &fakeHandler{name: "slicing", execute: func(ctx context.Context, job *queue.Job) error {
		return services.Wrap(services.KindSlicer, "slicing", "slice", "objects do not fit", nil)
	}}
	packerCalled := false
	packer := &fakeHandler{name: "packing", execute: func(ctx context.Context, job *queue.Job) error {
		packerCalled = true
		return nil
	}}

	manager, store, _ := testManager(t, slicer, packer, nil)
	ctx := context.Background()
	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer manager.Stop()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.ErrorKind != "slicer" {
		t.Errorf("error kind = %q", failed.ErrorKind)
	}
	if failed.ErrorMessage == "" {
		t.Error("diagnostic message missing")
	}
	if packerCalled {
		t.Error("packing must not run after a slicing failure")
	}
}

func TestPresetFailureSkipsAllStages(t *testing.T) {
	resolver := &fakeResolver{err: services.Wrap(services.KindPresetNotFound, "resolving_preset", "stat", "no such preset", nil)}
	slicerCalled := false
	slicer := &fakeHandler{name: "slicing", execute: func(ctx context.Context, job *queue.Job) error {
		slicerCalled = true
		return nil
	}}

	manager, store, _ := testManager(t, slicer, &fakeHandler{name: "packing"}, resolver)
	ctx := context.Background()
	job, err := store.NewJob(ctx, "/models/x.stl", "ghost", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer manager.Stop()

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.ErrorKind != "preset_not_found" {
		t.Errorf("error kind = %q", failed.ErrorKind)
	}
	if slicerCalled {
		t.Error("slicing must not run without a resolved preset")
	}
}

func TestCancelRunningJobKillsStage(t *testing.T) {
	started := make(chan struct{})
	slicer := &fakeHandler{name: "slicing", execute: func(ctx context.Context, job *queue.Job) error {
		close(started)
		<-ctx.Done()
		return services.Wrap(services.KindCancelled, "slicing", "slice", "slicer invocation cancelled", ctx.Err())
	}}

	manager, store, _ := testManager(t, slicer, &fakeHandler{name: "packing"}, nil)
	ctx := context.Background()
	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer manager.Stop()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("slicing never started")
	}
	if err := manager.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	failed := waitForStatus(t, store, job.ID, queue.StatusFailed)
	if failed.ErrorKind != "cancelled" {
		t.Errorf("error kind = %q, want cancelled", failed.ErrorKind)
	}
}

func TestCancelReachesJobClaimedButNotYetRegistered(t *testing.T) {
	manager, store, _ := testManager(t, &fakeHandler{name: "slicing"}, &fakeHandler{name: "packing"}, nil)
	ctx := context.Background()

	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	// Put the job in a processing status without starting a worker, the state
	// a cancel sees in the gap between the claim and the worker registering
	// its cancel func.
	job.Status = queue.StatusSlicing
	if err := store.Update(ctx, job); err != nil {
		t.Fatal(err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		manager.register(job.ID, cancel)
	}()

	if err := manager.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel should wait out the registration window: %v", err)
	}
	if jobCtx.Err() == nil {
		t.Error("registered cancel func was not invoked")
	}
}

func TestCancelPendingJobNeverRuns(t *testing.T) {
	manager, store, _ := testManager(t, &fakeHandler{name: "slicing"}, &fakeHandler{name: "packing"}, nil)
	ctx := context.Background()

	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	cancelled, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != queue.StatusFailed || cancelled.ErrorKind != "cancelled" {
		t.Errorf("job = %s/%s", cancelled.Status, cancelled.ErrorKind)
	}

	// Terminal jobs cannot be cancelled again.
	if err := manager.Cancel(ctx, job.ID); err == nil {
		t.Error("cancelling a terminal job should error")
	}
}

func TestJobsCompleteFIFOWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var completed []string
	slicer := &fakeHandler{name: "slicing", execute: func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		completed = append(completed, job.ModelPath)
		mu.Unlock()
		return nil
	}}

	manager, store, _ := testManager(t, slicer, &fakeHandler{name: "packing"}, nil)
	ctx := context.Background()

	var last *queue.Job
	for i := range 3 {
		job, err := store.NewJob(ctx, fmt.Sprintf("/models/%d.stl", i), "resin-fast", "ctb")
		if err != nil {
			t.Fatal(err)
		}
		last = job
	}
	if err := manager.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer manager.Stop()

	waitForStatus(t, store, last.ID, queue.StatusCompleted)
	mu.Lock()
	defer mu.Unlock()
	for i, model := range completed {
		if model != fmt.Sprintf("/models/%d.stl", i) {
			t.Fatalf("completion order = %v, want FIFO", completed)
		}
	}
}

func TestSweepExpiredPurgesArtifactsAndRows(t *testing.T) {
	manager, store, cfg := testManager(t, &fakeHandler{name: "slicing"}, &fakeHandler{name: "packing"}, nil)
	ctx := context.Background()

	job, err := store.NewJob(ctx, "/models/x.stl", "resin-fast", "ctb")
	if err != nil {
		t.Fatal(err)
	}
	job.Status = queue.StatusCompleted
	if err := store.Update(ctx, job); err != nil {
		t.Fatal(err)
	}
	jobDir := cfg.JobDir(job.UUID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "x.ctb"), []byte("artifact"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Zero retention disables the sweep entirely.
	cfg.Pipeline.RetentionHours = 0
	if err := manager.sweepExpired(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(jobDir); err != nil {
		t.Fatal("sweep should be disabled with zero retention")
	}

	// A cutoff in the future makes the just-finished job expired.
	if err := manager.sweepWithCutoff(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(jobDir); !errors.Is(err, os.ErrNotExist) {
		t.Error("expired job directory should be removed")
	}
	if gone, err := store.GetByID(ctx, job.ID); err != nil || gone != nil {
		t.Errorf("expired row should be purged, got %+v (err=%v)", gone, err)
	}
}
