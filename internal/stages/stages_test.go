package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/models"
	"github.com/ternarybob/tokensmith/internal/pipeline"
	"github.com/ternarybob/tokensmith/internal/services/monitor"
	"github.com/ternarybob/tokensmith/internal/services/phase"
)

type fakeRenderPage struct {
	site map[string]string
}

func (p *fakeRenderPage) Close() error { return nil }

func (p *fakeRenderPage) Render(url string) (string, string, error) {
	html, ok := p.site[url]
	if !ok {
		return "", "", errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	return "Title of " + url, html, nil
}

type fakeSession struct {
	site map[string]string
}

func (s *fakeSession) OpenPage(ctx context.Context) (phase.Page, error) {
	return &fakeRenderPage{site: s.site}, nil
}

type fakeFactory struct {
	site     map[string]string
	mu       sync.Mutex
	acquired int
	released int
}

func (f *fakeFactory) AcquireSession(ctx context.Context) (phase.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	return &fakeSession{site: f.site}, nil
}

func (f *fakeFactory) ReleaseSession(session phase.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

const homeHTML = `<html><head>
<title>Home</title>
<link rel="stylesheet" href="/css/main.css">
<link rel="Stylesheet preload" href="https://cdn.example.com/fonts.css">
<link rel="stylesheet" href="css/main.css">
<link rel="icon" href="/favicon.ico">
<style>:root { --brand: #0a66c2; }</style>
<style>   </style>
</head><body>
<div style="color: #111; padding: 8px">hello</div>
<span style="  ">empty</span>
</body></html>`

func site() map[string]string {
	return map[string]string{
		"https://example.com/":      homeHTML,
		"https://example.com/about": `<html><body><p style="margin: 0">about</p></body></html>`,
	}
}

func TestExtractStyleSource(t *testing.T) {
	source, err := ExtractStyleSource(models.CrawledPage{URL: "https://example.com/", HTML: homeHTML})
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/", source.URL)
	assert.Equal(t, []string{":root { --brand: #0a66c2; }"}, source.StyleBlocks)
	assert.Equal(t, []string{"color: #111; padding: 8px"}, source.InlineStyles)
	assert.Equal(t, []string{
		"https://example.com/css/main.css",
		"https://cdn.example.com/fonts.css",
	}, source.Stylesheets)
}

func TestExtractStyleSource_NoStyles(t *testing.T) {
	source, err := ExtractStyleSource(models.CrawledPage{URL: "https://example.com/", HTML: "<p>plain</p>"})
	require.NoError(t, err)
	assert.NotNil(t, source.StyleBlocks)
	assert.Empty(t, source.StyleBlocks)
	assert.Empty(t, source.InlineStyles)
	assert.Empty(t, source.Stylesheets)
}

func newCrawler(t *testing.T, factory *fakeFactory, dir string) *Crawler {
	t.Helper()
	manager := phase.NewManager(factory, arbor.NewLogger())
	return NewCrawler(manager, CrawlOptions{OutputDir: dir, MaxConcurrency: 2}, arbor.NewLogger())
}

func TestCrawl_RecordsFailuresPerPage(t *testing.T) {
	dir := t.TempDir()
	factory := &fakeFactory{site: site()}
	crawler := newCrawler(t, factory, dir)

	urls := []string{"https://example.com/", "https://missing.example/", "https://example.com/about"}
	pages, err := crawler.Crawl(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, pages, 3)

	assert.True(t, pages[0].OK())
	assert.Equal(t, "Title of https://example.com/", pages[0].Title)
	assert.False(t, pages[1].OK())
	assert.Equal(t, "https://missing.example/", pages[1].URL)
	assert.Contains(t, pages[1].Error, "ERR_NAME_NOT_RESOLVED")
	assert.True(t, pages[2].OK())

	assert.Equal(t, 1, factory.acquired)
	assert.Equal(t, 1, factory.released)

	restored, err := crawler.Restore(context.Background(), urls)
	require.NoError(t, err)
	require.Len(t, restored, 3)
	assert.Equal(t, pages[0].HTML, restored[0].HTML)
	assert.Equal(t, pages[1].Error, restored[1].Error)
}

func TestCrawlStage_InputSchema(t *testing.T) {
	crawler := newCrawler(t, &fakeFactory{site: site()}, t.TempDir())
	input := crawler.Stage().InputSchema()

	assert.NoError(t, input.Validate([]string(nil)))
	assert.NoError(t, input.Validate([]string{}))
	assert.NoError(t, input.Validate([]string{"https://example.com/"}))
	assert.Error(t, input.Validate([]string{"https://example.com/", "not a url"}))
}

func TestCrawl_NoURLsWritesEmptyArtifact(t *testing.T) {
	dir := t.TempDir()
	factory := &fakeFactory{site: site()}
	crawler := newCrawler(t, factory, dir)

	pages, err := crawler.Crawl(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, pages)
	assert.Equal(t, 0, factory.acquired)

	data, err := os.ReadFile(filepath.Join(dir, CrawlArtifact))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestCrawl_CancelledContextFailsStage(t *testing.T) {
	factory := &fakeFactory{site: site()}
	crawler := newCrawler(t, factory, t.TempDir())
	crawler.options.RequestDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := crawler.Crawl(ctx, []string{"https://example.com/", "https://example.com/about"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, factory.acquired, factory.released)
}

func TestRestore_MissingArtifact(t *testing.T) {
	collector := NewStyleCollector(t.TempDir(), arbor.NewLogger())
	_, err := collector.Restore(context.Background(), nil)
	assert.Error(t, err)
}

func TestPipeline_CrawlThenStyles(t *testing.T) {
	dir := t.TempDir()
	factory := &fakeFactory{site: site()}
	crawler := newCrawler(t, factory, dir)
	collector := NewStyleCollector(dir, arbor.NewLogger())

	mon := monitor.New(arbor.NewLogger())
	defer mon.Close()

	p := pipeline.New("extract", mon, arbor.NewLogger())
	require.NoError(t, p.AddStage(crawler.Stage()))
	require.NoError(t, p.AddStage(collector.Stage()))

	urls := []string{"https://example.com/", "https://missing.example/", "https://example.com/about"}
	sources, err := pipeline.RunTyped[[]models.StyleSource](context.Background(), p, urls)
	require.NoError(t, err)
	require.Len(t, sources, 2, "the failed page yields no style source")
	assert.Equal(t, "https://example.com/", sources[0].URL)
	assert.Equal(t, []string{"margin: 0"}, sources[1].InlineStyles)

	status, ok := mon.GetPipelineStatus(p.RunID())
	require.True(t, ok)
	assert.Equal(t, models.RunStatusCompleted, status.Status)

	// skipping both stages restores their artifacts
	skipAll := pipeline.New("extract", mon, arbor.NewLogger(), pipeline.WithSkipFunc(func(ctx context.Context, stage string) bool {
		return true
	}))
	require.NoError(t, skipAll.AddStage(crawler.Stage()))
	require.NoError(t, skipAll.AddStage(collector.Stage()))

	restored, err := pipeline.RunTyped[[]models.StyleSource](context.Background(), skipAll, urls)
	require.NoError(t, err)
	assert.Equal(t, sources, restored)
	assert.Equal(t, 1, factory.acquired, "restored crawl opens no browser")
}
