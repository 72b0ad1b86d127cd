// Package cache decides which pipeline steps must run again by comparing artifact
// timestamps, and optionally content hashes, against the last recorded run of each step.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
)

// ErrOutputMissing is returned by UpdateCacheForStep when a declared output does not exist
var ErrOutputMissing = errors.New("step output missing")

const hashWorkers = 4

// StepConfig declares the artifacts of one step
type StepConfig struct {
	Name    string   `json:"name"`
	Outputs []string `json:"outputs"`
	Inputs  []string `json:"inputs"`
}

// AnalyzeConfig is the set of steps to analyze for one invocation
type AnalyzeConfig struct {
	Steps []StepConfig
	Force bool
}

// Option configures a Service
type Option func(*Service)

// WithCompareHashes makes inputs that are newer by mtime but unchanged in content count as fresh
func WithCompareHashes(enabled bool) Option {
	return func(s *Service) {
		s.compareHashes = enabled
	}
}

// WithClock replaces the time source used for recorded run times
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service analyzes and records step runs
type Service struct {
	store         interfaces.StepRecordStore
	logger        arbor.ILogger
	compareHashes bool
	now           func() time.Time
}

// NewService creates a cache service backed by store
func NewService(store interfaces.StepRecordStore, logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AnalyzeStepsToRun returns a decision for every step in config, keyed by step name.
// Steps are analyzed in order: an input that is the output of an earlier step which
// needs to run makes the later step stale as well.
func (s *Service) AnalyzeStepsToRun(ctx context.Context, config AnalyzeConfig) (map[string]models.StepAnalysis, error) {
	results := make(map[string]models.StepAnalysis, len(config.Steps))
	regenerated := make(map[string]bool)

	for _, step := range config.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var analysis models.StepAnalysis
		if config.Force {
			analysis = models.StepAnalysis{Step: step.Name, NeedsRun: true, Reason: models.ReasonForced}
		} else {
			var err error
			analysis, err = s.analyzeStep(ctx, step)
			if err != nil {
				return nil, fmt.Errorf("failed to analyze step %s: %w", step.Name, err)
			}
			if !analysis.NeedsRun {
				for _, input := range step.Inputs {
					if regenerated[input] {
						analysis.NeedsRun = true
						analysis.Reason = models.ReasonStaleInput
						analysis.Path = input
						break
					}
				}
			}
		}

		if analysis.NeedsRun {
			for _, output := range step.Outputs {
				regenerated[output] = true
			}
		}

		s.logger.Debug().
			Str("step", step.Name).
			Bool("needs_run", analysis.NeedsRun).
			Str("reason", analysis.Reason).
			Str("path", analysis.Path).
			Msg("Step analyzed")

		results[step.Name] = analysis
	}

	return results, nil
}

func (s *Service) analyzeStep(ctx context.Context, step StepConfig) (models.StepAnalysis, error) {
	analysis := models.StepAnalysis{Step: step.Name}

	record, err := s.store.Get(ctx, step.Name)
	if err != nil {
		if !errors.Is(err, interfaces.ErrRecordNotFound) {
			return analysis, fmt.Errorf("failed to load step record: %w", err)
		}
		record = nil
	}

	// oldest output mtime is the reference when nothing has been recorded
	var oldestOutput time.Time
	for _, output := range step.Outputs {
		info, err := os.Stat(output)
		if err != nil {
			if os.IsNotExist(err) {
				analysis.NeedsRun = true
				analysis.Reason = models.ReasonMissingOutput
				analysis.Path = output
				return analysis, nil
			}
			return analysis, fmt.Errorf("failed to stat output %s: %w", output, err)
		}
		if oldestOutput.IsZero() || info.ModTime().Before(oldestOutput) {
			oldestOutput = info.ModTime()
		}
	}

	reference := oldestOutput
	if record != nil {
		reference = record.LastRun
	}

	for _, input := range step.Inputs {
		info, err := os.Stat(input)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return analysis, fmt.Errorf("failed to stat input %s: %w", input, err)
		}
		if !info.ModTime().After(reference) {
			continue
		}

		if s.compareHashes && record != nil {
			if recorded, ok := record.InputHashes[input]; ok {
				current, err := hashFile(input)
				if err != nil {
					return analysis, err
				}
				if current == recorded {
					// touched but unchanged
					continue
				}
			}
		}

		analysis.NeedsRun = true
		analysis.Reason = models.ReasonStaleInput
		analysis.Path = input
		return analysis, nil
	}

	analysis.Reason = models.ReasonUpToDate
	return analysis, nil
}

// UpdateCacheForStep records a successful run of step now. Every declared output must exist.
func (s *Service) UpdateCacheForStep(ctx context.Context, name string, step StepConfig) error {
	for _, output := range step.Outputs {
		if _, err := os.Stat(output); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("%w: step %s: %s", ErrOutputMissing, name, output)
			}
			return fmt.Errorf("failed to stat output %s: %w", output, err)
		}
	}

	inputHashes, err := hashFiles(ctx, step.Inputs, true)
	if err != nil {
		return fmt.Errorf("failed to hash inputs of step %s: %w", name, err)
	}
	outputHashes, err := hashFiles(ctx, step.Outputs, false)
	if err != nil {
		return fmt.Errorf("failed to hash outputs of step %s: %w", name, err)
	}

	record := &models.StepRecord{
		Step:         name,
		LastRun:      s.now(),
		InputHashes:  inputHashes,
		OutputHashes: outputHashes,
	}
	if err := s.store.Put(ctx, record); err != nil {
		return fmt.Errorf("failed to save step record %s: %w", name, err)
	}

	s.logger.Debug().
		Str("step", name).
		Int("inputs", len(inputHashes)).
		Int("outputs", len(outputHashes)).
		Msg("Step cache updated")

	return nil
}

// Invalidate forgets the recorded run of a step so the next analysis relies on mtimes only
func (s *Service) Invalidate(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, name); err != nil {
		return fmt.Errorf("failed to invalidate step %s: %w", name, err)
	}
	s.logger.Info().Str("step", name).Msg("Step cache invalidated")
	return nil
}

// Records returns every recorded step run ordered by step name
func (s *Service) Records(ctx context.Context) ([]models.StepRecord, error) {
	return s.store.List(ctx)
}

// SkipStage turns an analysis into a pipeline skip predicate.
// Stages without an analysis entry always run.
func (s *Service) SkipStage(analysis map[string]models.StepAnalysis) func(ctx context.Context, stage string) bool {
	return func(ctx context.Context, stage string) bool {
		a, ok := analysis[stage]
		return ok && !a.NeedsRun
	}
}

// StageHook returns a pipeline stage hook recording a run for every completed stage listed in steps
func (s *Service) StageHook(steps map[string]StepConfig) func(ctx context.Context, stage string, output interface{}) error {
	return func(ctx context.Context, stage string, output interface{}) error {
		step, ok := steps[stage]
		if !ok {
			return nil
		}
		return s.UpdateCacheForStep(ctx, stage, step)
	}
}

// hashFiles hashes paths in parallel. Missing files are skipped when skipMissing is set.
func hashFiles(ctx context.Context, paths []string, skipMissing bool) (map[string]string, error) {
	hashes := make(map[string]string, len(paths))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)

	for _, path := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			sum, err := hashFile(path)
			if err != nil {
				if skipMissing && errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			mu.Lock()
			hashes[path] = sum
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hashes, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}
