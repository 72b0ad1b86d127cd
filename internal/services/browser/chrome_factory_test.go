package browser

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tokensmith/internal/common"
	"github.com/ternarybob/tokensmith/internal/services/phase"
)

type otherSession struct{}

func (otherSession) OpenPage(ctx context.Context) (phase.Page, error) { return nil, nil }

func TestReleaseSession_RejectsForeignSession(t *testing.T) {
	factory := NewChromeFactory(common.BrowserConfig{}, arbor.NewLogger())
	err := factory.ReleaseSession(otherSession{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected session type")
}

func TestReleaseSession_DoubleRelease(t *testing.T) {
	factory := NewChromeFactory(common.BrowserConfig{}, arbor.NewLogger())

	browserCancelled, allocatorCancelled := 0, 0
	session := &ChromeSession{
		id:              "chrome-test",
		browserCtx:      context.Background(),
		browserCancel:   func() { browserCancelled++ },
		allocatorCancel: func() { allocatorCancelled++ },
		logger:          arbor.NewLogger(),
	}
	factory.active[session.id] = session
	assert.Equal(t, 1, factory.ActiveSessions())

	require.NoError(t, factory.ReleaseSession(session))
	assert.Equal(t, 0, factory.ActiveSessions())
	assert.Equal(t, 1, browserCancelled)
	assert.Equal(t, 1, allocatorCancelled)

	err := factory.ReleaseSession(session)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already released")
	assert.Equal(t, 1, browserCancelled)
}

func TestNewChromeFactory_DefaultUserAgent(t *testing.T) {
	factory := NewChromeFactory(common.BrowserConfig{}, arbor.NewLogger())
	assert.Equal(t, defaultUserAgent, factory.config.UserAgent)

	factory = NewChromeFactory(common.BrowserConfig{UserAgent: "custom"}, arbor.NewLogger())
	assert.Equal(t, "custom", factory.config.UserAgent)
}

func TestOpenPage_ClosedSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := &ChromeSession{id: "chrome-closed", browserCtx: ctx}

	_, err := session.OpenPage(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// Requires a local Chrome; run with TOKENSMITH_BROWSER_TESTS=1
func TestChromeFactory_RenderDataURL(t *testing.T) {
	if os.Getenv("TOKENSMITH_BROWSER_TESTS") != "1" {
		t.Skip("set TOKENSMITH_BROWSER_TESTS=1 to run browser tests")
	}

	config := common.NewDefaultConfig().Browser
	config.NoSandbox = true
	config.JavaScriptWaitTime = common.Duration(100 * time.Millisecond)
	factory := NewChromeFactory(config, arbor.NewLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	session, err := factory.AcquireSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.ActiveSessions())

	page, err := session.OpenPage(ctx)
	require.NoError(t, err)

	renderer, ok := page.(*ChromePage)
	require.True(t, ok)
	title, html, err := renderer.Render("data:text/html,<html><head><title>Swatch</title><style>a{color:red}</style></head><body></body></html>")
	require.NoError(t, err)
	assert.Equal(t, "Swatch", title)
	assert.Contains(t, html, "color:red")

	require.NoError(t, page.Close())
	require.NoError(t, page.Close())
	require.NoError(t, factory.ReleaseSession(session))
	assert.Equal(t, 0, factory.ActiveSessions())
}
