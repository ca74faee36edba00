package services

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a stage failure for status reporting.
type Kind string

const (
	KindPresetNotFound     Kind = "preset_not_found"
	KindPresetFetch        Kind = "preset_fetch"
	KindDisplayUnavailable Kind = "display_unavailable"
	KindSlicer             Kind = "slicer"
	KindPacker             Kind = "packer"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// transientKinds are failure classes worth retrying within a stage.
var transientKinds = map[Kind]struct{}{
	KindPresetFetch: {},
	KindTimeout:     {},
}

// Error carries a classified stage failure with enough context for the
// pipeline manager to persist a useful failure report.
type Error struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Transient bool
	Cause     error
}

// Error renders the failure as "stage: operation: message: cause".
func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	for _, part := range []string{e.Stage, e.Operation, e.Message} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, string(e.Kind))
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, ": "), e.Cause)
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Wrap builds a classified error. Transience defaults from the kind; use
// WrapTransient to force a retryable classification.
func Wrap(kind Kind, stage, operation, message string, err error) error {
	_, transient := transientKinds[kind]
	return &Error{
		Kind:      kind,
		Stage:     stage,
		Operation: operation,
		Message:   message,
		Transient: transient,
		Cause:     err,
	}
}

// WrapTransient builds a classified error explicitly marked retryable.
func WrapTransient(kind Kind, stage, operation, message string, err error) error {
	return &Error{
		Kind:      kind,
		Stage:     stage,
		Operation: operation,
		Message:   message,
		Transient: true,
		Cause:     err,
	}
}

// Details captures the classification extracted from an error chain.
type Details struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Transient bool
	Cause     error
}

// ErrorDetails walks the chain for the nearest *Error. Unclassified errors
// report KindInternal with the raw error text as the message.
func ErrorDetails(err error) Details {
	var classified *Error
	if errors.As(err, &classified) {
		return Details{
			Kind:      classified.Kind,
			Stage:     classified.Stage,
			Operation: classified.Operation,
			Message:   classified.Message,
			Transient: classified.Transient,
			Cause:     classified.Cause,
		}
	}
	details := Details{Kind: KindInternal}
	if err != nil {
		details.Message = err.Error()
		details.Cause = err
	}
	return details
}

// KindOf reports the classification of err, or KindInternal when unclassified.
func KindOf(err error) Kind {
	return ErrorDetails(err).Kind
}

// IsTransient reports whether err is classified as worth a retry.
func IsTransient(err error) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Transient
	}
	return false
}

// excerptLimit bounds diagnostic text carried on a job. The external tools
// can emit megabytes of output; the tail is what matters for triage.
const excerptLimit = 2000

// Excerpt returns the trailing portion of tool output, bounded and trimmed,
// suitable for persisting on a job.
func Excerpt(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= excerptLimit {
		return output
	}
	tail := output[len(output)-excerptLimit:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// Redact replaces occurrences of the given directory roots in text so job
// status never leaks internal filesystem layout.
func Redact(text string, roots ...string) string {
	for _, root := range roots {
		root = strings.TrimRight(strings.TrimSpace(root), "/")
		if root == "" {
			continue
		}
		text = strings.ReplaceAll(text, root, "…")
	}
	return text
}
