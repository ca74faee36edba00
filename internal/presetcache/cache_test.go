package presetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kiln/internal/logging"
	"kiln/internal/services"
)

type fakeFetcher struct {
	mu          sync.Mutex
	fingerprint string
	body        string
	statErr     error
	fetchErr    error
	statCalls   int32
	fetchCalls  int32
	fetchDelay  time.Duration
}

func (f *fakeFetcher) Stat(ctx context.Context, presetID string) (string, error) {
	atomic.AddInt32(&f.statCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statErr != nil {
		return "", f.statErr
	}
	return f.fingerprint, nil
}

func (f *fakeFetcher) Fetch(ctx context.Context, presetID string) (io.ReadCloser, string, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	if f.fetchDelay > 0 {
		time.Sleep(f.fetchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	return io.NopCloser(strings.NewReader(f.body)), f.fingerprint, nil
}

func newTestCache(t *testing.T, fetcher Fetcher, maxBytes int64) *Cache {
	t.Helper()
	cache := New(t.TempDir(), maxBytes, fetcher, logging.NewNop())
	cache.statfs = func(string) (uint64, uint64, error) { return 100, 100, nil }
	return cache
}

func TestResolveFetchesAndCaches(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "layer_height = 0.05"}
	cache := newTestCache(t, fetcher, 1<<20)

	path, err := cache.Resolve(context.Background(), "resin-fast")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "layer_height = 0.05" {
		t.Errorf("cached bundle = %q", data)
	}

	// Second resolve with matching fingerprint serves the cached copy.
	if _, err := cache.Resolve(context.Background(), "resin-fast"); err != nil {
		t.Fatal(err)
	}
	if calls := atomic.LoadInt32(&fetcher.fetchCalls); calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}

func TestResolveRefetchesStaleEntry(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "old"}
	cache := newTestCache(t, fetcher, 1<<20)

	if _, err := cache.Resolve(context.Background(), "resin-fast"); err != nil {
		t.Fatal(err)
	}

	fetcher.mu.Lock()
	fetcher.fingerprint = "v2"
	fetcher.body = "new"
	fetcher.mu.Unlock()

	path, err := cache.Resolve(context.Background(), "resin-fast")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("stale entry should be replaced, got %q", data)
	}
	if calls := atomic.LoadInt32(&fetcher.fetchCalls); calls != 2 {
		t.Errorf("fetch calls = %d, want 2", calls)
	}
}

func TestResolveNeverServesCachedWhenStatFails(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "bundle"}
	cache := newTestCache(t, fetcher, 1<<20)

	if _, err := cache.Resolve(context.Background(), "resin-fast"); err != nil {
		t.Fatal(err)
	}

	fetcher.mu.Lock()
	fetcher.statErr = errors.New("store unreachable")
	fetcher.mu.Unlock()

	_, err := cache.Resolve(context.Background(), "resin-fast")
	if err == nil {
		t.Fatal("cached entry must not be served when the fingerprint check fails")
	}
	if services.KindOf(err) != services.KindPresetFetch {
		t.Errorf("kind = %s, want preset_fetch", services.KindOf(err))
	}
	if !services.IsTransient(err) {
		t.Error("fetch failures should be transient")
	}
}

func TestResolveNotFound(t *testing.T) {
	fetcher := &fakeFetcher{statErr: fmt.Errorf("%w: nope", ErrNotFound)}
	cache := newTestCache(t, fetcher, 1<<20)

	_, err := cache.Resolve(context.Background(), "nope")
	if services.KindOf(err) != services.KindPresetNotFound {
		t.Fatalf("kind = %s, want preset_not_found (err=%v)", services.KindOf(err), err)
	}
	if services.IsTransient(err) {
		t.Error("missing presets are not transient")
	}
}

func TestResolveRejectsTraversalIdentifiers(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "x"}
	cache := newTestCache(t, fetcher, 1<<20)

	for _, id := range []string{"../etc/passwd", "a/b", "", ".hidden"} {
		if _, err := cache.Resolve(context.Background(), id); err == nil {
			t.Errorf("identifier %q should be rejected", id)
		}
	}
}

func TestResolveDeduplicatesConcurrentFetches(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "bundle", fetchDelay: 50 * time.Millisecond}
	cache := newTestCache(t, fetcher, 1<<20)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve(context.Background(), "resin-fast"); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&fetcher.fetchCalls); calls != 1 {
		t.Errorf("concurrent resolves should share one fetch, got %d", calls)
	}
}

func TestEvictOldestFirst(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: strings.Repeat("x", 100)}
	cache := newTestCache(t, fetcher, 250)

	if _, err := cache.Resolve(context.Background(), "first"); err != nil {
		t.Fatal(err)
	}
	// Backdate the first entry so it is the eviction candidate.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(cache.dir, "first"+bundleExt), old, old); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Resolve(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Resolve(context.Background(), "third"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(cache.dir, "first"+bundleExt)); !errors.Is(err, os.ErrNotExist) {
		t.Error("oldest entry should have been evicted")
	}
	if _, err := os.Stat(filepath.Join(cache.dir, "third"+bundleExt)); err != nil {
		t.Error("newest entry should survive eviction")
	}
}

func TestStats(t *testing.T) {
	fetcher := &fakeFetcher{fingerprint: "v1", body: "12345"}
	cache := newTestCache(t, fetcher, 1 << 20)

	if _, err := cache.Resolve(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	stats, err := cache.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.TotalBytes != 5 {
		t.Errorf("stats = %+v", stats)
	}
}
