package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewDefaultConfigIsValid(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, "json", config.Cache.Backend)
	assert.Equal(t, 3, config.Pipeline.MaxConcurrency)
	assert.Equal(t, 2*time.Second, config.Browser.JavaScriptWaitTime.Duration())
}

func TestLoadFromFiles_TOMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tokensmith.toml", `
[pipeline]
max_concurrency = 5

[browser]
page_timeout = "10s"
no_sandbox = true

[crawl]
urls = ["https://example.com", "https://example.com/about"]
request_delay = "250ms"

[cache]
backend = "badger"
path = "./data/cache"
`)

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 5, config.Pipeline.MaxConcurrency)
	assert.Equal(t, 10*time.Second, config.Browser.PageTimeout.Duration())
	assert.True(t, config.Browser.NoSandbox)
	assert.True(t, config.Browser.Headless, "unset values keep their defaults")
	assert.Equal(t, []string{"https://example.com", "https://example.com/about"}, config.Crawl.URLs)
	assert.Equal(t, 250*time.Millisecond, config.Crawl.RequestDelay.Duration())
	assert.Equal(t, "badger", config.Cache.Backend)
}

func TestLoadFromFiles_YAMLAndLaterFilesWin(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.toml", `
[logging]
level = "debug"

[pipeline]
max_concurrency = 2
`)
	override := writeFile(t, dir, "override.yaml", `
pipeline:
  max_concurrency: 8
cache:
  compare_hashes: true
browser:
  javascript_wait_time: 1500ms
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, 8, config.Pipeline.MaxConcurrency)
	assert.True(t, config.Cache.CompareHashes)
	assert.Equal(t, 1500*time.Millisecond, config.Browser.JavaScriptWaitTime.Duration())
}

func TestLoadFromFiles_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tokensmith.toml", `
[cache]
backend = "json"
`)

	t.Setenv("TOKENSMITH_CACHE_BACKEND", "badger")
	t.Setenv("TOKENSMITH_CRAWL_URLS", "https://a.example, https://b.example")
	t.Setenv("TOKENSMITH_PIPELINE_MAX_CONCURRENCY", "4")
	t.Setenv("TOKENSMITH_BROWSER_HEADLESS", "false")

	config, err := LoadFromFiles(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", config.Cache.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.Crawl.URLs)
	assert.Equal(t, 4, config.Pipeline.MaxConcurrency)
	assert.False(t, config.Browser.Headless)
}

func TestLoadFromFiles_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadFromFiles(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.toml", "[pipeline\nmax_concurrency = ")
	_, err = LoadFromFiles(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")

	badDuration := writeFile(t, dir, "duration.toml", "[browser]\npage_timeout = \"soon\"\n")
	_, err = LoadFromFiles(badDuration)
	assert.Error(t, err)
}

func TestValidate_RejectsInvalidValues(t *testing.T) {
	config := NewDefaultConfig()
	config.Cache.Backend = "sqlite"
	config.Pipeline.MaxConcurrency = 0
	config.Crawl.URLs = []string{"not a url"}

	err := config.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "Cache.Backend"), msg)
	assert.True(t, strings.Contains(msg, "Pipeline.MaxConcurrency"), msg)
	assert.True(t, strings.Contains(msg, "Crawl.URLs[0]"), msg)

	config = NewDefaultConfig()
	config.Schedule.Cron = "every tuesday"
	err = config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schedule.cron")

	config.Schedule.Cron = "*/15 * * * *"
	assert.NoError(t, config.Validate())
}

func TestApplyFlagOverrides(t *testing.T) {
	config := NewDefaultConfig()
	ApplyFlagOverrides(config, []string{"https://flag.example"}, "warn")
	assert.Equal(t, []string{"https://flag.example"}, config.Crawl.URLs)
	assert.Equal(t, "warn", config.Logging.Level)

	ApplyFlagOverrides(config, nil, "")
	assert.Equal(t, []string{"https://flag.example"}, config.Crawl.URLs)
	assert.Equal(t, "warn", config.Logging.Level)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	require.NoError(t, d.UnmarshalText(nil))
	assert.Equal(t, time.Duration(0), d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("fast")))
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.True(t, strings.HasPrefix(a, "run_"))
	assert.NotEqual(t, a, b)
}
