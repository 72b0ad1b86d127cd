// Package phase runs browser-bound work for one pipeline phase on a single session,
// with bounded parallelism over pages and guaranteed session release.
package phase

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
)

// DefaultConcurrency is used when neither the call nor the manager sets one
const DefaultConcurrency = 3

// Page is one unit of browser work, e.g. a tab. It is closed after a single item.
type Page interface {
	Close() error
}

// Session is an automation session owned by exactly one phase
type Session interface {
	OpenPage(ctx context.Context) (Page, error)
}

// SessionFactory acquires and releases sessions
type SessionFactory interface {
	AcquireSession(ctx context.Context) (Session, error)
	ReleaseSession(session Session) error
}

// Stats is a snapshot of manager counters
type Stats struct {
	PhasesRun        int64 `json:"phases_run"`
	SessionsAcquired int64 `json:"sessions_acquired"`
	SessionsReleased int64 `json:"sessions_released"`
	ReleaseFailures  int64 `json:"release_failures"`
	ItemsProcessed   int64 `json:"items_processed"`
	ItemsFailed      int64 `json:"items_failed"`
	PeakInFlight     int64 `json:"peak_in_flight"`
}

// Option configures a Manager
type Option func(*Manager)

// WithDefaultConcurrency sets the worker count used when a call passes maxConcurrency <= 0
func WithDefaultConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.defaultConcurrency = n
		}
	}
}

// Manager scopes sessions to phases. It is safe for concurrent use; each phase gets its own session.
type Manager struct {
	factory            SessionFactory
	logger             arbor.ILogger
	defaultConcurrency int

	phasesRun        atomic.Int64
	sessionsAcquired atomic.Int64
	sessionsReleased atomic.Int64
	releaseFailures  atomic.Int64
	itemsProcessed   atomic.Int64
	itemsFailed      atomic.Int64
	peakInFlight     atomic.Int64
}

// NewManager creates a phase manager over factory
func NewManager(factory SessionFactory, logger arbor.ILogger, opts ...Option) *Manager {
	m := &Manager{
		factory:            factory,
		logger:             logger,
		defaultConcurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultConcurrencyLimit returns the worker count used for maxConcurrency <= 0
func (m *Manager) DefaultConcurrencyLimit() int {
	return m.defaultConcurrency
}

// WithPhaseSession acquires a session, runs work with it and releases it exactly once,
// whether work returns normally, returns an error or panics (the panic is re-raised after
// release). An acquisition error is returned; a release error is only logged.
func (m *Manager) WithPhaseSession(ctx context.Context, phase string, work func(ctx context.Context, session Session) error) error {
	session, err := m.factory.AcquireSession(ctx)
	if err != nil {
		m.logger.Error().Err(err).Str("phase", phase).Msg("Failed to acquire session")
		return fmt.Errorf("failed to acquire session for phase %s: %w", phase, err)
	}
	m.sessionsAcquired.Add(1)
	m.phasesRun.Add(1)

	start := time.Now()
	m.logger.Debug().Str("phase", phase).Msg("Phase session acquired")

	defer func() {
		r := recover()
		m.release(phase, session)
		m.logger.Debug().
			Str("phase", phase).
			Dur("duration", time.Since(start)).
			Msg("Phase session released")
		if r != nil {
			panic(r)
		}
	}()

	return work(withPhase(ctx, phase), session)
}

func (m *Manager) release(phase string, session Session) {
	defer func() {
		if r := recover(); r != nil {
			m.releaseFailures.Add(1)
			m.logger.Warn().
				Str("phase", phase).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Session release panicked")
		}
	}()

	m.sessionsReleased.Add(1)
	if err := m.factory.ReleaseSession(session); err != nil {
		m.releaseFailures.Add(1)
		m.logger.Warn().Err(err).Str("phase", phase).Msg("Failed to release session")
	}
}

// WithSessionResult is WithPhaseSession for work that produces a value
func WithSessionResult[R any](ctx context.Context, m *Manager, phase string, work func(ctx context.Context, session Session) (R, error)) (R, error) {
	var result R
	err := m.WithPhaseSession(ctx, phase, func(ctx context.Context, session Session) error {
		var werr error
		result, werr = work(ctx, session)
		return werr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// Stats returns a snapshot of the manager counters
func (m *Manager) Stats() Stats {
	return Stats{
		PhasesRun:        m.phasesRun.Load(),
		SessionsAcquired: m.sessionsAcquired.Load(),
		SessionsReleased: m.sessionsReleased.Load(),
		ReleaseFailures:  m.releaseFailures.Load(),
		ItemsProcessed:   m.itemsProcessed.Load(),
		ItemsFailed:      m.itemsFailed.Load(),
		PeakInFlight:     m.peakInFlight.Load(),
	}
}

func (m *Manager) observeInFlight(n int64) {
	for {
		peak := m.peakInFlight.Load()
		if n <= peak || m.peakInFlight.CompareAndSwap(peak, n) {
			return
		}
	}
}

func stack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

type phaseKey struct{}

func withPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey{}, phase)
}

// FromContext returns the phase name set by WithPhaseSession
func FromContext(ctx context.Context) (string, bool) {
	phase, ok := ctx.Value(phaseKey{}).(string)
	return phase, ok
}
