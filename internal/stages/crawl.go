package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/pipeline"
	"github.com/ternarybob/tokensmith/internal/schema"
	"github.com/ternarybob/tokensmith/internal/services/phase"
)

// CrawlStageName is the pipeline and cache step name of the crawl stage
const CrawlStageName = "crawl"

// Renderer is a page that can load a URL and return its rendered document.
// browser.ChromePage implements it.
type Renderer interface {
	Render(url string) (title, html string, err error)
}

// CrawlOptions configures the crawl stage
type CrawlOptions struct {
	OutputDir      string
	RequestDelay   time.Duration
	MaxConcurrency int
}

// Crawler renders a list of URLs on one browser session
type Crawler struct {
	manager *phase.Manager
	options CrawlOptions
	logger  arbor.ILogger
	now     func() time.Time
}

// NewCrawler creates a crawler using manager for sessions
func NewCrawler(manager *phase.Manager, options CrawlOptions, logger arbor.ILogger) *Crawler {
	return &Crawler{
		manager: manager,
		options: options,
		logger:  logger,
		now:     time.Now,
	}
}

// ArtifactPath is the file the crawl output is written to
func (c *Crawler) ArtifactPath() string {
	return filepath.Join(c.options.OutputDir, CrawlArtifact)
}

// Stage returns the crawl pipeline stage: []string URLs in, []models.CrawledPage out
func (c *Crawler) Stage() *pipeline.TypedStage[[]string, []models.CrawledPage] {
	return pipeline.NewStage(CrawlStageName, c.Crawl).
		WithRestore(c.Restore).
		WithSchemas(urlsSchema(), crawledPagesSchema())
}

// Crawl renders every URL and writes the result to ArtifactPath.
// A URL that fails is recorded on its page and does not fail the stage.
func (c *Crawler) Crawl(ctx context.Context, urls []string) ([]models.CrawledPage, error) {
	pages := make([]models.CrawledPage, 0, len(urls))

	if len(urls) > 0 {
		limiter := rate.NewLimiter(rate.Inf, 1)
		if c.options.RequestDelay > 0 {
			limiter = rate.NewLimiter(rate.Every(c.options.RequestDelay), 1)
		}

		var err error
		pages, err = phase.WithSessionResult(ctx, c.manager, CrawlStageName, func(ctx context.Context, session phase.Session) ([]models.CrawledPage, error) {
			return c.renderAll(ctx, session, limiter, urls)
		})
		if err != nil {
			return nil, err
		}
	}

	if err := writeJSON(c.ArtifactPath(), pages); err != nil {
		return nil, err
	}

	failed := 0
	for _, page := range pages {
		if !page.OK() {
			failed++
		}
	}
	c.logger.Info().
		Int("pages", len(pages)).
		Int("failed", failed).
		Str("artifact", c.ArtifactPath()).
		Msg("Crawl complete")

	return pages, nil
}

func (c *Crawler) renderAll(ctx context.Context, session phase.Session, limiter *rate.Limiter, urls []string) ([]models.CrawledPage, error) {
	results := phase.ProcessConcurrently(ctx, c.manager, session, urls, func(ctx context.Context, page phase.Page, url string, index int) (models.CrawledPage, error) {
		if err := limiter.Wait(ctx); err != nil {
			return models.CrawledPage{}, err
		}

		renderer, ok := page.(Renderer)
		if !ok {
			return models.CrawledPage{}, fmt.Errorf("page type %T cannot render", page)
		}

		start := c.now()
		title, html, err := renderer.Render(url)
		if err != nil {
			return models.CrawledPage{}, err
		}

		c.logger.Debug().
			Str("url", url).
			Int("index", index).
			Int("html_length", len(html)).
			Msg("Page rendered")

		return models.CrawledPage{
			URL:       url,
			Title:     title,
			HTML:      html,
			CrawledAt: start,
			Duration:  c.now().Sub(start),
		}, nil
	}, c.options.MaxConcurrency)

	// cancellation is a stage failure, not a per-page one
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pages := make([]models.CrawledPage, len(results))
	for i, result := range results {
		if result.OK() {
			pages[i] = result.Value
			continue
		}
		c.logger.Warn().
			Str("url", result.Item).
			Str("error", result.Error).
			Msg("Page failed to render")
		pages[i] = models.CrawledPage{
			URL:       result.Item,
			Error:     result.Error,
			CrawledAt: c.now(),
		}
	}
	return pages, nil
}

// Restore reloads the pages written by a previous run
func (c *Crawler) Restore(ctx context.Context, urls []string) ([]models.CrawledPage, error) {
	var pages []models.CrawledPage
	if err := readJSON(c.ArtifactPath(), &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// urlsSchema accepts a nil list: an empty crawl.urls config reaches the stage as nil
func urlsSchema() schema.VarSchema {
	return schema.Var("dive,http_url")
}

func crawledPagesSchema() *schema.JSONSchema {
	return schema.Array(schema.Object(map[string]*schema.JSONSchema{
		"url":        schema.String().WithMinLength(1),
		"title":      schema.String(),
		"html":       schema.String(),
		"error":      schema.String(),
		"crawled_at": schema.String(),
		"duration":   schema.Integer(),
	}, "url", "crawled_at"))
}
