// Package scheduler re-runs the pipeline on a cron schedule.
// A trigger that fires while a run is still in progress is skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/common"
)

// RunFunc performs one scheduled run
type RunFunc func(ctx context.Context) error

// Stats is a snapshot of scheduler activity
type Stats struct {
	Runs      int64     `json:"runs"`
	Skipped   int64     `json:"skipped"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run"`
}

// Service schedules runs of a single RunFunc
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	run     RunFunc

	busy     atomic.Bool
	inFlight sync.WaitGroup

	runs      atomic.Int64
	skipped   atomic.Int64
	failures  atomic.Int64
	statsMu   sync.Mutex
	lastRun   time.Time
	lastError string
}

// NewService creates a stopped scheduler
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules run on cronExpr (standard 5-field or descriptor such as "@hourly").
// Runs receive a context that is cancelled by Stop or when ctx is done.
func (s *Service) Start(ctx context.Context, cronExpr string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	if err := common.ValidateSchedule(cronExpr); err != nil {
		return err
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.run = run

	id, err := s.cron.AddFunc(cronExpr, func() { s.Trigger() })
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryID = id

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("cron_expr", cronExpr).
		Str("next_run", s.cron.Entry(id).Next.Format(time.RFC3339)).
		Msg("Scheduler started")

	return nil
}

// Trigger starts a run now unless one is already in progress.
// It returns false when the trigger was skipped.
func (s *Service) Trigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	// running and inFlight change together under mu so Stop never waits on a late Add
	if !s.running {
		s.logger.Warn().Msg("Scheduler not running, trigger ignored")
		return false
	}

	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Msg("Previous run still in progress, skipping scheduled run")
		return false
	}

	ctx, run := s.ctx, s.run
	s.inFlight.Add(1)
	common.SafeGo(s.logger, "scheduled-run", func() {
		defer s.inFlight.Done()
		defer s.busy.Store(false)
		s.execute(ctx, run)
	})
	return true
}

func (s *Service) execute(ctx context.Context, run RunFunc) {
	start := time.Now()
	s.runs.Add(1)

	err := run(ctx)

	s.statsMu.Lock()
	s.lastRun = start
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.statsMu.Unlock()

	if err != nil {
		s.failures.Add(1)
		s.logger.Error().Err(err).Str("duration", time.Since(start).String()).Msg("Scheduled run failed")
		return
	}
	s.logger.Info().Str("duration", time.Since(start).String()).Msg("Scheduled run completed")
}

// IsRunning reports whether the scheduler is started
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of scheduler counters
func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	stats := Stats{
		LastRun:   s.lastRun,
		LastError: s.lastError,
	}
	s.statsMu.Unlock()

	stats.Runs = s.runs.Load()
	stats.Skipped = s.skipped.Load()
	stats.Failures = s.failures.Load()

	s.mu.Lock()
	if s.running {
		stats.NextRun = s.cron.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	return stats
}

// Stop halts the schedule, cancels the run context and waits for an in-progress run to return
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cron.Remove(s.entryID)
	cronDone := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	<-cronDone.Done()
	s.inFlight.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}
