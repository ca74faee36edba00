package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"kiln/internal/logging"
	"kiln/internal/services"
)

// Session is a reservation of one virtual display number together with
// isolated engine state directories. Valid from Acquire until Release.
type Session struct {
	ID         string
	Number     int
	Home       string
	AcquiredAt time.Time

	released bool
}

// DisplayEnv returns the environment overrides a slicer process needs to run
// inside this session without touching shared user state.
func (s *Session) DisplayEnv() []string {
	return []string{
		"HOME=" + s.Home,
		"XDG_CONFIG_HOME=" + filepath.Join(s.Home, "config"),
		"XDG_CACHE_HOME=" + filepath.Join(s.Home, "cache"),
		"XDG_DATA_HOME=" + filepath.Join(s.Home, "data"),
	}
}

// Manager hands out display sessions from a bounded pool.
type Manager struct {
	root           string
	acquireTimeout time.Duration
	logger         *slog.Logger
	numbers        chan int
}

// Gauge receives the number of sessions currently held. Nil-safe.
type Gauge interface {
	DisplaySessionsActive(delta int)
}

var gaugeSink Gauge

// SetGauge installs the metrics sink used by all managers.
func SetGauge(g Gauge) { gaugeSink = g }

// NewManager builds a pool of maxSessions display numbers starting at
// baseNumber. Session state directories live under root.
func NewManager(root string, maxSessions, baseNumber int, acquireTimeout time.Duration, logger *slog.Logger) (*Manager, error) {
	if maxSessions <= 0 {
		return nil, errors.New("display: max sessions must be positive")
	}
	if baseNumber < 1 {
		return nil, errors.New("display: base number must be at least 1")
	}
	numbers := make(chan int, maxSessions)
	for i := range maxSessions {
		numbers <- baseNumber + i
	}
	return &Manager{
		root:           root,
		acquireTimeout: acquireTimeout,
		logger:         logging.NewComponentLogger(logger, "display"),
		numbers:        numbers,
	}, nil
}

// Acquire blocks until a display number is free, the acquire timeout elapses,
// or ctx is cancelled. Timeout surfaces as a display_unavailable failure.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	select {
	case number := <-m.numbers:
		session := &Session{
			ID:         uuid.NewString(),
			Number:     number,
			Home:       filepath.Join(m.root, fmt.Sprintf("display-%d", number)),
			AcquiredAt: time.Now(),
		}
		if err := m.prepareHome(session); err != nil {
			m.numbers <- number
			return nil, services.Wrap(services.KindDisplayUnavailable, "slicing", "acquire",
				"prepare session directories", err)
		}
		if gaugeSink != nil {
			gaugeSink.DisplaySessionsActive(1)
		}
		m.logger.DebugContext(ctx, "display session acquired",
			logging.String("session_id", session.ID),
			logging.Int("display_number", number))
		return session, nil
	case <-timer.C:
		return nil, services.Wrap(services.KindDisplayUnavailable, "slicing", "acquire",
			fmt.Sprintf("no display session free within %s", m.acquireTimeout), nil)
	case <-ctx.Done():
		return nil, services.Wrap(services.KindCancelled, "slicing", "acquire",
			"display acquire cancelled", ctx.Err())
	}
}

// Release returns the session's display number to the pool and removes its
// scratch state. Safe to call at most once per session; later calls no-op.
func (m *Manager) Release(session *Session) {
	if session == nil || session.released {
		return
	}
	session.released = true
	// Scratch engine state is not reused across sessions.
	_ = os.RemoveAll(session.Home)
	m.numbers <- session.Number
	if gaugeSink != nil {
		gaugeSink.DisplaySessionsActive(-1)
	}
	m.logger.Debug("display session released",
		logging.String("session_id", session.ID),
		logging.Int("display_number", session.Number),
		logging.Duration("held_for", time.Since(session.AcquiredAt)))
}

// WithSession acquires a session, runs fn, and guarantees release on every
// exit path, including panics and timeouts inside fn.
func (m *Manager) WithSession(ctx context.Context, fn func(*Session) error) error {
	session, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.Release(session)
	return fn(session)
}

func (m *Manager) prepareHome(session *Session) error {
	for _, dir := range []string{
		session.Home,
		filepath.Join(session.Home, "config"),
		filepath.Join(session.Home, "cache"),
		filepath.Join(session.Home, "data"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
