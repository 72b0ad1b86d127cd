package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/interfaces"
	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/pipeline"
	"github.com/ternarybob/tokensmith/internal/services/browser"
	"github.com/ternarybob/tokensmith/internal/services/cache"
	"github.com/ternarybob/tokensmith/internal/services/events"
	"github.com/ternarybob/tokensmith/internal/services/monitor"
	"github.com/ternarybob/tokensmith/internal/services/phase"
	"github.com/ternarybob/tokensmith/internal/services/scheduler"
	"github.com/ternarybob/tokensmith/internal/stages"
	"github.com/ternarybob/tokensmith/internal/storage"
)

// TargetsArtifact holds the URL list of the last invocation. It is rewritten only when the
// list changes, so its mtime tells the cache whether the crawl targets moved.
const TargetsArtifact = "targets.json"

// watchHistory is the number of finished runs the monitor keeps in watch mode
const watchHistory = 10

// App holds all application components
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Monitor   *monitor.Monitor
	Store     interfaces.StepRecordStore
	Cache     *cache.Service
	Phases    *phase.Manager
	Crawler   *stages.Crawler
	Styles    *stages.StyleCollector
	Scheduler *scheduler.Service

	unsubscribeLogger func()
}

// Option configures New
type Option func(*options)

type options struct {
	factory phase.SessionFactory
}

// WithSessionFactory replaces the Chrome session factory
func WithSessionFactory(factory phase.SessionFactory) Option {
	return func(o *options) {
		o.factory = factory
	}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := app.initServices(o); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Debug().
		Str("pipeline", cfg.Pipeline.Name).
		Str("cache_backend", cfg.Cache.Backend).
		Str("output_dir", cfg.Crawl.OutputDir).
		Int("max_concurrency", cfg.Pipeline.MaxConcurrency).
		Msg("Application initialization complete")

	return app, nil
}

func (a *App) initStorage() error {
	store, err := storage.NewStepRecordStore(a.Logger, a.Config.Cache)
	if err != nil {
		return err
	}
	a.Store = store
	a.Logger.Debug().
		Str("backend", a.Config.Cache.Backend).
		Str("path", a.Config.Cache.Path).
		Msg("Step record store initialized")
	return nil
}

func (a *App) initServices(o options) error {
	a.Monitor = monitor.New(a.Logger)
	unsubscribe, err := events.SubscribeLoggerToAllEvents(a.Monitor.Events(), a.Logger)
	if err != nil {
		return err
	}
	a.unsubscribeLogger = unsubscribe

	a.Cache = cache.NewService(a.Store, a.Logger, cache.WithCompareHashes(a.Config.Cache.CompareHashes))

	factory := o.factory
	if factory == nil {
		factory = browser.NewChromeFactory(a.Config.Browser, a.Logger)
	}
	a.Phases = phase.NewManager(factory, a.Logger, phase.WithDefaultConcurrency(a.Config.Pipeline.MaxConcurrency))

	a.Crawler = stages.NewCrawler(a.Phases, stages.CrawlOptions{
		OutputDir:      a.Config.Crawl.OutputDir,
		RequestDelay:   a.Config.Crawl.RequestDelay.Duration(),
		MaxConcurrency: a.Config.Pipeline.MaxConcurrency,
	}, a.Logger)
	a.Styles = stages.NewStyleCollector(a.Config.Crawl.OutputDir, a.Logger)

	a.Scheduler = scheduler.NewService(a.Logger)
	return nil
}

// TargetsPath is the file holding the current URL list
func (a *App) TargetsPath() string {
	return filepath.Join(a.Config.Crawl.OutputDir, TargetsArtifact)
}

// Steps declares the artifacts of every stage, in pipeline order
func (a *App) Steps() []cache.StepConfig {
	return []cache.StepConfig{
		{
			Name:    stages.CrawlStageName,
			Inputs:  []string{a.TargetsPath()},
			Outputs: []string{a.Crawler.ArtifactPath()},
		},
		{
			Name:    stages.StylesStageName,
			Inputs:  []string{a.Crawler.ArtifactPath()},
			Outputs: []string{a.Styles.ArtifactPath()},
		},
	}
}

// Plan records the URL list and analyzes which steps must run
func (a *App) Plan(ctx context.Context, force bool) (map[string]models.StepAnalysis, error) {
	if err := a.writeTargets(); err != nil {
		return nil, err
	}
	return a.Cache.AnalyzeStepsToRun(ctx, cache.AnalyzeConfig{Steps: a.Steps(), Force: force})
}

// NewPipeline builds the stage pipeline. Stages that analysis marks up to date are skipped
// and restored; every stage that runs updates its cache record.
func (a *App) NewPipeline(analysis map[string]models.StepAnalysis) (*pipeline.Pipeline, error) {
	steps := make(map[string]cache.StepConfig)
	for _, step := range a.Steps() {
		steps[step.Name] = step
	}

	p := pipeline.New(a.Config.Pipeline.Name, a.Monitor, a.Logger,
		pipeline.WithSkipFunc(a.Cache.SkipStage(analysis)),
		pipeline.WithStageHook(a.Cache.StageHook(steps)),
	)
	if err := p.AddStage(a.Crawler.Stage()); err != nil {
		return nil, err
	}
	if err := p.AddStage(a.Styles.Stage()); err != nil {
		return nil, err
	}
	return p, nil
}

// Run plans and executes one pipeline run
func (a *App) Run(ctx context.Context, force bool) ([]models.StyleSource, error) {
	analysis, err := a.Plan(ctx, force)
	if err != nil {
		return nil, err
	}

	p, err := a.NewPipeline(analysis)
	if err != nil {
		return nil, err
	}

	urls := a.Config.Crawl.URLs
	if urls == nil {
		urls = []string{}
	}
	sources, err := pipeline.RunTyped[[]models.StyleSource](ctx, p, urls)
	if err != nil {
		return nil, err
	}

	stats := a.Phases.Stats()
	a.Logger.Info().
		Str("run_id", p.RunID()).
		Int("sources", len(sources)).
		Int64("sessions_acquired", stats.SessionsAcquired).
		Int64("items_failed", stats.ItemsFailed).
		Msg("Pipeline run finished")

	return sources, nil
}

// Watch runs the pipeline now and then on the configured schedule until ctx is done
func (a *App) Watch(ctx context.Context) error {
	if a.Config.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron is not configured")
	}

	err := a.Scheduler.Start(ctx, a.Config.Schedule.Cron, a.scheduledRun)
	if err != nil {
		return err
	}

	a.Scheduler.Trigger()
	<-ctx.Done()
	return a.Scheduler.Stop()
}

// scheduledRun is one watch-mode run. Older finished runs are dropped from the monitor.
func (a *App) scheduledRun(ctx context.Context) error {
	_, err := a.Run(ctx, false)
	if dropped := a.Monitor.PruneFinished(watchHistory); dropped > 0 {
		a.Logger.Debug().Int("dropped", dropped).Msg("Pruned finished pipeline runs")
	}
	return err
}

// writeTargets writes the URL list, leaving the file untouched when it has not changed
func (a *App) writeTargets() error {
	urls := a.Config.Crawl.URLs
	if urls == nil {
		urls = []string{}
	}
	data, err := json.MarshalIndent(urls, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode targets: %w", err)
	}

	path := a.TargetsPath()
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, data) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write targets: %w", err)
	}
	a.Logger.Debug().Str("path", path).Int("urls", len(urls)).Msg("Crawl targets changed")
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.unsubscribeLogger != nil {
		a.unsubscribeLogger()
	}

	if a.Monitor != nil {
		if err := a.Monitor.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close monitor")
		}
	}

	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Debug().Msg("Storage closed")
	}

	return nil
}
