// Package browser provides the chromedp implementation of phase.SessionFactory.
// Every session is its own Chrome process; every page is a tab of that process.
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/services/phase"
)

const (
	defaultUserAgent       = "Tokensmith/1.0"
	defaultStartupTimeout  = 30 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// ChromeFactory launches one headless Chrome per acquired session
type ChromeFactory struct {
	config common.BrowserConfig
	logger arbor.ILogger

	mu     sync.Mutex
	active map[string]*ChromeSession
	nextID int
}

// NewChromeFactory creates a factory using config
func NewChromeFactory(config common.BrowserConfig, logger arbor.ILogger) *ChromeFactory {
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &ChromeFactory{
		config: config,
		logger: logger,
		active: make(map[string]*ChromeSession),
	}
}

func (f *ChromeFactory) allocatorOptions() []chromedp.ExecAllocatorOption {
	return append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.config.Headless),
		chromedp.Flag("disable-gpu", f.config.DisableGPU),
		chromedp.Flag("no-sandbox", f.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.UserAgent(f.config.UserAgent),
		chromedp.WindowSize(f.config.ViewportWidth, f.config.ViewportHeight),
	)
}

// AcquireSession starts a browser and verifies it responds before handing it out
func (f *ChromeFactory) AcquireSession(ctx context.Context) (phase.Session, error) {
	startTime := time.Now()

	// the browser outlives the acquiring context; ReleaseSession ends it
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	startupTimeout := f.config.StartupTimeout.Duration()
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}
	testCtx, testCancel := context.WithTimeout(browserCtx, startupTimeout)
	defer testCancel()
	stop := context.AfterFunc(ctx, testCancel)
	defer stop()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	var title string
	if err := chromedp.Run(testCtx, chromedp.Title(&title)); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed responsiveness test: %w", err)
	}

	f.mu.Lock()
	f.nextID++
	session := &ChromeSession{
		id:              fmt.Sprintf("chrome-%d", f.nextID),
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		config:          f.config,
		logger:          f.logger,
	}
	f.active[session.id] = session
	activeCount := len(f.active)
	f.mu.Unlock()

	f.logger.Debug().
		Str("session_id", session.id).
		Dur("startup_time", time.Since(startTime)).
		Int("active_sessions", activeCount).
		Msg("Browser session started")

	return session, nil
}

// ReleaseSession closes every tab and shuts the browser down, bounded by the shutdown timeout
func (f *ChromeFactory) ReleaseSession(s phase.Session) error {
	session, ok := s.(*ChromeSession)
	if !ok {
		return fmt.Errorf("unexpected session type %T", s)
	}

	f.mu.Lock()
	if _, tracked := f.active[session.id]; !tracked {
		f.mu.Unlock()
		return fmt.Errorf("session %s already released", session.id)
	}
	delete(f.active, session.id)
	f.mu.Unlock()

	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		session.shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(defaultShutdownTimeout):
		f.logger.Warn().
			Str("session_id", session.id).
			Msg("Browser shutdown timed out")
		return fmt.Errorf("browser session %s shutdown timed out", session.id)
	}

	f.logger.Debug().
		Str("session_id", session.id).
		Int64("pages_opened", session.pagesOpened.Load()).
		Dur("shutdown_time", time.Since(startTime)).
		Msg("Browser session released")

	return nil
}

// ActiveSessions returns the number of sessions not yet released
func (f *ChromeFactory) ActiveSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// ChromeSession is one running browser
type ChromeSession struct {
	id              string
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	config          common.BrowserConfig
	logger          arbor.ILogger
	pagesOpened     atomic.Int64
}

// ID returns the session identifier
func (s *ChromeSession) ID() string { return s.id }

// OpenPage opens a new tab with the configured viewport.
// The tab is also closed if ctx is done before Close is called.
func (s *ChromeSession) OpenPage(ctx context.Context) (phase.Page, error) {
	if err := s.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("browser session %s closed: %w", s.id, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	stop := context.AfterFunc(ctx, tabCancel)

	if s.config.ViewportWidth > 0 && s.config.ViewportHeight > 0 {
		err := chromedp.Run(tabCtx, emulation.SetDeviceMetricsOverride(
			int64(s.config.ViewportWidth),
			int64(s.config.ViewportHeight),
			1,
			false,
		))
		if err != nil {
			stop()
			tabCancel()
			return nil, fmt.Errorf("failed to set viewport: %w", err)
		}
	}

	s.pagesOpened.Add(1)
	return &ChromePage{ctx: tabCtx, cancel: tabCancel, stop: stop, config: s.config}, nil
}

func (s *ChromeSession) shutdown() {
	s.browserCancel()
	s.allocatorCancel()
}

// ChromePage is one browser tab
type ChromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
	config common.BrowserConfig
	once   sync.Once
}

// Context returns the chromedp context of the tab for use with chromedp.Run
func (p *ChromePage) Context() context.Context { return p.ctx }

// Close closes the tab
func (p *ChromePage) Close() error {
	p.once.Do(func() {
		p.stop()
		p.cancel()
	})
	return nil
}

// Render navigates to url, waits for scripts and returns the title and outer HTML
func (p *ChromePage) Render(url string) (title, html string, err error) {
	ctx := p.ctx
	if timeout := p.config.PageTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	actions := []chromedp.Action{chromedp.Navigate(url)}
	if wait := p.config.JavaScriptWaitTime.Duration(); wait > 0 {
		actions = append(actions, chromedp.Sleep(wait))
	}
	actions = append(actions,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html),
	)

	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp navigation failed: %w", err)
	}
	if html == "" {
		return title, "", fmt.Errorf("empty HTML content returned")
	}
	return title, html, nil
}
