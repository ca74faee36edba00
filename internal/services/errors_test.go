package services

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapCarriesKindAndCause(t *testing.T) {
	cause := errors.New("exit status 2")
	err := Wrap(KindSlicer, "slicing", "invoke engine", "engine reported failure", cause)

	details := ErrorDetails(err)
	if details.Kind != KindSlicer {
		t.Fatalf("Kind = %q, want %q", details.Kind, KindSlicer)
	}
	if details.Transient {
		t.Error("slicer errors should not default to transient")
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match cause via errors.Is")
	}
	if !strings.Contains(err.Error(), "invoke engine") {
		t.Errorf("error text missing operation: %q", err.Error())
	}
}

func TestWrapDefaultsTransienceFromKind(t *testing.T) {
	if !IsTransient(Wrap(KindPresetFetch, "preset", "download", "storage unreachable", nil)) {
		t.Error("preset fetch failures should be transient")
	}
	if !IsTransient(Wrap(KindTimeout, "slicing", "invoke engine", "deadline exceeded", nil)) {
		t.Error("timeouts should be transient")
	}
	if IsTransient(Wrap(KindUnsupportedFormat, "packing", "validate", "bad format", nil)) {
		t.Error("validation failures should not be transient")
	}
}

func TestWrapTransientOverridesKind(t *testing.T) {
	err := WrapTransient(KindSlicer, "slicing", "invoke engine", "display went away", nil)
	if !IsTransient(err) {
		t.Error("WrapTransient should mark the error retryable")
	}
}

func TestErrorDetailsUnclassified(t *testing.T) {
	details := ErrorDetails(errors.New("boom"))
	if details.Kind != KindInternal {
		t.Fatalf("Kind = %q, want %q", details.Kind, KindInternal)
	}
	if details.Message != "boom" {
		t.Errorf("Message = %q, want raw error text", details.Message)
	}
}

func TestKindOfNil(t *testing.T) {
	if kind := KindOf(nil); kind != KindInternal {
		t.Errorf("KindOf(nil) = %q, want %q", kind, KindInternal)
	}
}

func TestExcerptBoundsOutput(t *testing.T) {
	long := strings.Repeat("line of diagnostic output\n", 500)
	excerpt := Excerpt(long)
	if len(excerpt) > excerptLimit {
		t.Fatalf("excerpt length %d exceeds limit %d", len(excerpt), excerptLimit)
	}
	if !strings.HasSuffix(strings.TrimSpace(long), strings.TrimSpace(excerpt)) {
		t.Error("excerpt should be a tail of the original output")
	}
}

func TestExcerptShortOutputUnchanged(t *testing.T) {
	if got := Excerpt("  short failure  "); got != "short failure" {
		t.Errorf("Excerpt = %q, want trimmed input", got)
	}
}

func TestRedactStripsRoots(t *testing.T) {
	msg := "cannot open /srv/kiln/staging/jobs/abc/model.stl"
	got := Redact(msg, "/srv/kiln/staging")
	if strings.Contains(got, "/srv/kiln/staging") {
		t.Errorf("Redact left root in place: %q", got)
	}
	if !strings.Contains(got, "jobs/abc/model.stl") {
		t.Errorf("Redact removed too much: %q", got)
	}
}
