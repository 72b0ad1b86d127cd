package stages

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/pipeline"
	"github.com/ternarybob/tokensmith/internal/schema"
)

// StylesStageName is the pipeline and cache step name of the styles stage
const StylesStageName = "styles"

// StyleCollector extracts the style material of crawled pages
type StyleCollector struct {
	outputDir string
	logger    arbor.ILogger
}

// NewStyleCollector creates a collector writing to outputDir
func NewStyleCollector(outputDir string, logger arbor.ILogger) *StyleCollector {
	return &StyleCollector{outputDir: outputDir, logger: logger}
}

// ArtifactPath is the file the collected styles are written to
func (c *StyleCollector) ArtifactPath() string {
	return filepath.Join(c.outputDir, StylesArtifact)
}

// Stage returns the styles pipeline stage: []models.CrawledPage in, []models.StyleSource out
func (c *StyleCollector) Stage() *pipeline.TypedStage[[]models.CrawledPage, []models.StyleSource] {
	return pipeline.NewStage(StylesStageName, c.Collect).
		WithRestore(c.Restore).
		WithSchemas(crawledPagesSchema(), styleSourcesSchema())
}

// Collect parses every successfully crawled page. Failed pages are skipped.
func (c *StyleCollector) Collect(ctx context.Context, pages []models.CrawledPage) ([]models.StyleSource, error) {
	sources := make([]models.StyleSource, 0, len(pages))

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !page.OK() {
			c.logger.Debug().Str("url", page.URL).Msg("Skipping page that failed to crawl")
			continue
		}

		source, err := ExtractStyleSource(page)
		if err != nil {
			c.logger.Warn().Err(err).Str("url", page.URL).Msg("Failed to parse page")
			continue
		}
		sources = append(sources, source)
	}

	if err := writeJSON(c.ArtifactPath(), sources); err != nil {
		return nil, err
	}

	c.logger.Info().
		Int("pages", len(pages)).
		Int("sources", len(sources)).
		Str("artifact", c.ArtifactPath()).
		Msg("Style sources collected")

	return sources, nil
}

// Restore reloads the sources written by a previous run
func (c *StyleCollector) Restore(ctx context.Context, pages []models.CrawledPage) ([]models.StyleSource, error) {
	var sources []models.StyleSource
	if err := readJSON(c.ArtifactPath(), &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// ExtractStyleSource collects <style> blocks, style attributes and stylesheet links of page.
// Stylesheet hrefs are resolved against the page URL and deduplicated.
func ExtractStyleSource(page models.CrawledPage) (models.StyleSource, error) {
	source := models.StyleSource{
		URL:          page.URL,
		StyleBlocks:  []string{},
		InlineStyles: []string{},
		Stylesheets:  []string{},
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return source, fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("style").Each(func(i int, s *goquery.Selection) {
		if css := strings.TrimSpace(s.Text()); css != "" {
			source.StyleBlocks = append(source.StyleBlocks, css)
		}
	})

	doc.Find("[style]").Each(func(i int, s *goquery.Selection) {
		if style, ok := s.Attr("style"); ok {
			if style = strings.TrimSpace(style); style != "" {
				source.InlineStyles = append(source.InlineStyles, style)
			}
		}
	})

	base, _ := url.Parse(page.URL)
	seen := make(map[string]bool)
	doc.Find("link[href]").Each(func(i int, s *goquery.Selection) {
		if !isStylesheet(s) {
			return
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		resolved := resolveURL(base, href)
		if !seen[resolved] {
			seen[resolved] = true
			source.Stylesheets = append(source.Stylesheets, resolved)
		}
	})

	return source, nil
}

func isStylesheet(s *goquery.Selection) bool {
	for _, rel := range strings.Fields(strings.ToLower(s.AttrOr("rel", ""))) {
		if rel == "stylesheet" {
			return true
		}
	}
	return false
}

func resolveURL(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func styleSourcesSchema() *schema.JSONSchema {
	list := schema.Array(schema.String())
	return schema.Array(schema.Object(map[string]*schema.JSONSchema{
		"url":           schema.String().WithMinLength(1),
		"style_blocks":  list,
		"inline_styles": list,
		"stylesheets":   list,
	}, "url", "style_blocks", "inline_styles", "stylesheets"))
}
