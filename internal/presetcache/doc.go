// Package presetcache resolves preset bundle identifiers to local files,
// fetching from the remote preset store and caching with fingerprint
// staleness checks, per-identifier fetch deduplication, and size-bounded
// eviction.
package presetcache
