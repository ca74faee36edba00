package presetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound indicates the preset identifier does not exist in the remote store.
var ErrNotFound = errors.New("preset not found")

// Fetcher abstracts the remote preset store. Stat returns the current
// fingerprint without transferring the bundle; Fetch streams the bundle body
// together with its fingerprint.
type Fetcher interface {
	Stat(ctx context.Context, presetID string) (string, error)
	Fetch(ctx context.Context, presetID string) (io.ReadCloser, string, error)
}

// HTTPFetcher talks to an HTTP object store. Fingerprints are the store's
// ETag values.
type HTTPFetcher struct {
	baseURL    string
	client     *http.Client
	maxRetries int
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher builds a fetcher for the given store base URL.
func NewHTTPFetcher(baseURL string, timeout time.Duration, maxRetries int) *HTTPFetcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}
}

func (f *HTTPFetcher) url(presetID string) string {
	return f.baseURL + "/" + presetID
}

// Stat issues a HEAD request and returns the bundle's ETag.
func (f *HTTPFetcher) Stat(ctx context.Context, presetID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return "", err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.url(presetID), nil)
		if err != nil {
			return "", fmt.Errorf("build stat request: %w", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			fingerprint := fingerprintFromResponse(resp)
			if fingerprint == "" {
				return "", fmt.Errorf("preset store returned no fingerprint for %q", presetID)
			}
			return fingerprint, nil
		case resp.StatusCode == http.StatusNotFound:
			return "", fmt.Errorf("%w: %s", ErrNotFound, presetID)
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("preset store returned %d", resp.StatusCode)
			continue
		default:
			return "", fmt.Errorf("preset store returned %d for %q", resp.StatusCode, presetID)
		}
	}
	return "", fmt.Errorf("stat preset %q: %w", presetID, lastErr)
}

// Fetch issues a GET request and returns the body stream plus its ETag.
// The caller owns the returned ReadCloser.
func (f *HTTPFetcher) Fetch(ctx context.Context, presetID string) (io.ReadCloser, string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return nil, "", err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url(presetID), nil)
		if err != nil {
			return nil, "", fmt.Errorf("build fetch request: %w", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			fingerprint := fingerprintFromResponse(resp)
			if fingerprint == "" {
				_ = resp.Body.Close()
				return nil, "", fmt.Errorf("preset store returned no fingerprint for %q", presetID)
			}
			return resp.Body, fingerprint, nil
		case resp.StatusCode == http.StatusNotFound:
			_ = resp.Body.Close()
			return nil, "", fmt.Errorf("%w: %s", ErrNotFound, presetID)
		case resp.StatusCode >= 500:
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("preset store returned %d", resp.StatusCode)
			continue
		default:
			_ = resp.Body.Close()
			return nil, "", fmt.Errorf("preset store returned %d for %q", resp.StatusCode, presetID)
		}
	}
	return nil, "", fmt.Errorf("fetch preset %q: %w", presetID, lastErr)
}

func fingerprintFromResponse(resp *http.Response) string {
	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	return strings.TrimSpace(etag)
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 500 * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
