package presetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"kiln/internal/logging"
	"kiln/internal/services"
)

const (
	// freeSpaceFloor is the minimum free-space ratio allowed before eviction kicks in.
	freeSpaceFloor = 0.20

	bundleExt      = ".ini"
	fingerprintExt = ".fp"
)

var presetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// statfsFunc allows tests to stub filesystem stats.
type statfsFunc func(path string) (total uint64, free uint64, err error)

// Cache resolves preset identifiers to local bundle files.
type Cache struct {
	dir      string
	maxBytes int64
	fetcher  Fetcher
	logger   *slog.Logger
	statfs   statfsFunc

	mu       sync.Mutex
	inflight map[string]*call
	active   map[string]int
}

type call struct {
	done chan struct{}
	path string
	err  error
}

// Metrics receives cache hit/miss/eviction counts. Satisfied by
// observability; nil-safe.
type Metrics interface {
	PresetCacheHit()
	PresetCacheMiss()
	PresetCacheEviction()
}

var metricsSink Metrics

// SetMetrics installs the metrics sink used by all caches.
func SetMetrics(m Metrics) { metricsSink = m }

// New builds a cache rooted at dir with the given size cap.
func New(dir string, maxBytes int64, fetcher Fetcher, logger *slog.Logger) *Cache {
	return &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		fetcher:  fetcher,
		logger:   logging.NewComponentLogger(logger, "presetcache"),
		statfs:   realStatfs,
		inflight: make(map[string]*call),
		active:   make(map[string]int),
	}
}

// Resolve returns a local path to a current copy of the preset bundle.
//
// A cached entry is only served after its fingerprint is re-checked against
// the remote store; when the check itself fails the entry is not served and
// the error is surfaced as a fetch failure. Concurrent resolves of the same
// identifier share one fetch.
func (c *Cache) Resolve(ctx context.Context, presetID string) (string, error) {
	presetID = strings.TrimSpace(presetID)
	if !presetIDPattern.MatchString(presetID) {
		return "", services.Wrap(services.KindPresetNotFound, "resolving_preset", "resolve",
			fmt.Sprintf("invalid preset identifier %q", presetID), nil)
	}

	c.mu.Lock()
	if inflight, ok := c.inflight[presetID]; ok {
		c.mu.Unlock()
		select {
		case <-inflight.done:
			return inflight.path, inflight.err
		case <-ctx.Done():
			return "", services.Wrap(services.KindCancelled, "resolving_preset", "resolve",
				"resolve cancelled", ctx.Err())
		}
	}
	current := &call{done: make(chan struct{})}
	c.inflight[presetID] = current
	c.active[presetID]++
	c.mu.Unlock()

	path, err := c.resolve(ctx, presetID)
	current.path = path
	current.err = err
	close(current.done)

	c.mu.Lock()
	delete(c.inflight, presetID)
	c.active[presetID]--
	if c.active[presetID] <= 0 {
		delete(c.active, presetID)
	}
	c.mu.Unlock()
	return path, err
}

func (c *Cache) resolve(ctx context.Context, presetID string) (string, error) {
	bundlePath := filepath.Join(c.dir, presetID+bundleExt)
	fingerprintPath := filepath.Join(c.dir, presetID+fingerprintExt)

	cachedFingerprint, cached := c.cachedFingerprint(bundlePath, fingerprintPath)
	remoteFingerprint, err := c.fetcher.Stat(ctx, presetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", services.Wrap(services.KindPresetNotFound, "resolving_preset", "stat",
				fmt.Sprintf("preset %q does not exist in the store", presetID), err)
		}
		// A cached copy is never served on a failed staleness check.
		return "", services.Wrap(services.KindPresetFetch, "resolving_preset", "stat",
			fmt.Sprintf("fingerprint check for preset %q failed", presetID), err)
	}

	if cached && cachedFingerprint == remoteFingerprint {
		now := time.Now()
		_ = os.Chtimes(bundlePath, now, now)
		if metricsSink != nil {
			metricsSink.PresetCacheHit()
		}
		c.logger.DebugContext(ctx, "preset cache hit",
			logging.String("preset_id", presetID),
			logging.String("fingerprint", remoteFingerprint))
		return bundlePath, nil
	}

	if metricsSink != nil {
		metricsSink.PresetCacheMiss()
	}
	if err := c.fetchInto(ctx, presetID, bundlePath, fingerprintPath); err != nil {
		return "", err
	}

	if err := c.evict(ctx); err != nil {
		c.logger.WarnContext(ctx, "preset cache eviction failed", logging.Error(err))
	}
	return bundlePath, nil
}

func (c *Cache) cachedFingerprint(bundlePath, fingerprintPath string) (string, bool) {
	if info, err := os.Stat(bundlePath); err != nil || info.IsDir() || info.Size() == 0 {
		return "", false
	}
	data, err := os.ReadFile(fingerprintPath)
	if err != nil {
		return "", false
	}
	fingerprint := strings.TrimSpace(string(data))
	return fingerprint, fingerprint != ""
}

// fetchInto downloads the bundle to a temp file and renames it into place so
// concurrent readers never observe partial writes.
func (c *Cache) fetchInto(ctx context.Context, presetID, bundlePath, fingerprintPath string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			"create cache directory", err)
	}

	body, fingerprint, err := c.fetcher.Fetch(ctx, presetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return services.Wrap(services.KindPresetNotFound, "resolving_preset", "fetch",
				fmt.Sprintf("preset %q does not exist in the store", presetID), err)
		}
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			fmt.Sprintf("download of preset %q failed", presetID), err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.dir, "."+presetID+".tmp-*")
	if err != nil {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			"create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			fmt.Sprintf("write preset %q", presetID), err)
	}
	if written == 0 {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			fmt.Sprintf("preset %q is empty", presetID), nil)
	}

	if err := os.Rename(tmpPath, bundlePath); err != nil {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			fmt.Sprintf("install preset %q", presetID), err)
	}
	if err := writeFileAtomic(fingerprintPath, []byte(fingerprint+"\n")); err != nil {
		return services.Wrap(services.KindPresetFetch, "resolving_preset", "fetch",
			fmt.Sprintf("record fingerprint for %q", presetID), err)
	}

	c.logger.InfoContext(ctx, "preset fetched",
		logging.String("preset_id", presetID),
		logging.String("fingerprint", fingerprint),
		logging.Int64("size_bytes", written))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

type cacheEntry struct {
	presetID  string
	path      string
	sizeBytes int64
	modTime   time.Time
}

// evict removes oldest entries until both the size cap and the free-space
// floor are satisfied. Entries with an in-flight resolve are never evicted.
func (c *Cache) evict(ctx context.Context) error {
	entries, totalSize, err := c.scan()
	if err != nil {
		return err
	}

	for len(entries) > 0 {
		freeOK, err := c.freeSpaceOK()
		if err != nil {
			return err
		}
		if totalSize <= c.maxBytes && freeOK {
			return nil
		}
		oldest := entries[0]
		entries = entries[1:]
		if c.isActive(oldest.presetID) {
			continue
		}
		for _, path := range []string{oldest.path, strings.TrimSuffix(oldest.path, bundleExt) + fingerprintExt} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("evict %q: %w", path, err)
			}
		}
		totalSize -= oldest.sizeBytes
		if metricsSink != nil {
			metricsSink.PresetCacheEviction()
		}
		c.logger.InfoContext(ctx, "evicted preset cache entry",
			logging.String("preset_id", oldest.presetID),
			logging.Int64("entry_size_bytes", oldest.sizeBytes))
	}
	return nil
}

func (c *Cache) isActive(presetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[presetID] > 0
}

func (c *Cache) scan() ([]cacheEntry, int64, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("list cache dir: %w", err)
	}

	entries := make([]cacheEntry, 0, len(dirEntries))
	var total int64
	for _, entry := range dirEntries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, bundleExt) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		entries = append(entries, cacheEntry{
			presetID:  strings.TrimSuffix(name, bundleExt),
			path:      filepath.Join(c.dir, name),
			sizeBytes: info.Size(),
			modTime:   info.ModTime(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})
	return entries, total, nil
}

func (c *Cache) freeSpaceOK() (bool, error) {
	total, free, err := c.statfs(c.dir)
	if err != nil {
		return false, fmt.Errorf("statfs: %w", err)
	}
	if total == 0 {
		return true, nil
	}
	return float64(free)/float64(total) >= freeSpaceFloor, nil
}

// Stats describes current cache usage.
type Stats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
	MaxBytes   int64 `json:"max_bytes"`
}

// Stats returns current cache usage.
func (c *Cache) Stats() (Stats, error) {
	entries, total, err := c.scan()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Entries: len(entries), TotalBytes: total, MaxBytes: c.maxBytes}, nil
}

func realStatfs(path string) (uint64, uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, 0, err
	}
	blockSize := uint64(fs.Bsize)
	return fs.Blocks * blockSize, fs.Bavail * blockSize, nil
}
