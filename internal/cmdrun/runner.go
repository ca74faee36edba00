package cmdrun

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultTailBytes bounds how much combined output a Result retains.
const DefaultTailBytes = 4000

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Line renders the invocation for diagnostics and invocation records.
func (c Command) Line() string {
	parts := append([]string{c.Name}, c.Args...)
	return strings.Join(parts, " ")
}

// Result captures the outcome of a finished invocation.
type Result struct {
	CommandLine string
	ExitCode    int
	Duration    time.Duration
	Output      string
	TimedOut    bool
}

// Runner issues external commands. Stages depend on this interface so tests
// can substitute a fake executor.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ErrLaunch marks failures that happened before the tool produced any work,
// such as a missing executable. Callers treat these as transient.
var ErrLaunch = errors.New("command launch failed")

// IsLaunch reports whether the error originated from process startup rather
// than from the tool itself.
func IsLaunch(err error) bool {
	return errors.Is(err, ErrLaunch)
}

// ProcessRunner runs commands as child processes in their own process group
// so that cancellation kills the whole tree, including display wrappers.
type ProcessRunner struct {
	// TailBytes bounds retained combined output. Zero means DefaultTailBytes.
	TailBytes int
}

var _ Runner = (*ProcessRunner)(nil)

// Run executes the command, waiting for completion or context cancellation.
// The returned Result is populated even when err is non-nil.
func (r *ProcessRunner) Run(ctx context.Context, command Command) (Result, error) {
	result := Result{CommandLine: command.Line(), ExitCode: -1}
	if strings.TrimSpace(command.Name) == "" {
		return result, fmt.Errorf("%w: empty command", ErrLaunch)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if command.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	tail := newTailBuffer(r.TailBytes)
	cmd := exec.CommandContext(runCtx, command.Name, command.Args...) //nolint:gosec
	cmd.Dir = command.Dir
	cmd.Stdout = tail
	cmd.Stderr = tail
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the whole process group.
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	started := time.Now()
	if err := cmd.Start(); err != nil {
		result.Duration = time.Since(started)
		var pathErr *fs.PathError
		if errors.Is(err, exec.ErrNotFound) || errors.As(err, &pathErr) {
			return result, fmt.Errorf("%w: %s: %v", ErrLaunch, command.Name, err)
		}
		return result, fmt.Errorf("start %s: %w", command.Name, err)
	}

	waitErr := cmd.Wait()
	result.Duration = time.Since(started)
	result.Output = tail.String()
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if runCtx.Err() != nil {
		result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		return result, runCtx.Err()
	}
	if waitErr != nil {
		return result, fmt.Errorf("%s exited with code %d", command.Name, result.ExitCode)
	}
	return result, nil
}

// tailBuffer keeps the last maxBytes of everything written to it.
type tailBuffer struct {
	mu       sync.Mutex
	buf      []byte
	maxBytes int
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.maxBytes {
		t.buf = t.buf[len(t.buf)-t.maxBytes:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
