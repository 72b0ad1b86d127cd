package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/tokensmith/internal/schema"
)

// Config represents the application configuration
type Config struct {
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Pipeline PipelineConfig `toml:"pipeline" yaml:"pipeline"`
	Browser  BrowserConfig  `toml:"browser" yaml:"browser"`
	Crawl    CrawlConfig    `toml:"crawl" yaml:"crawl"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Schedule ScheduleConfig `toml:"schedule" yaml:"schedule"`
}

type LoggingConfig struct {
	Level      string   `toml:"level" yaml:"level" validate:"oneof=debug info warn error"` // "debug", "info", "warn", "error"
	Output     []string `toml:"output" yaml:"output" validate:"dive,oneof=stdout console file"`
	TimeFormat string   `toml:"time_format" yaml:"time_format"` // default "15:04:05"
	Dir        string   `toml:"dir" yaml:"dir"`                 // log and crash file directory
}

// PipelineConfig controls the stage executor and phase manager
type PipelineConfig struct {
	Name           string `toml:"name" yaml:"name" validate:"required"`
	MaxConcurrency int    `toml:"max_concurrency" yaml:"max_concurrency" validate:"gte=1,lte=32"` // pages rendered in parallel per phase
}

// BrowserConfig configures the chromedp session factory
type BrowserConfig struct {
	Headless           bool     `toml:"headless" yaml:"headless"`
	NoSandbox          bool     `toml:"no_sandbox" yaml:"no_sandbox"`
	DisableGPU         bool     `toml:"disable_gpu" yaml:"disable_gpu"`
	UserAgent          string   `toml:"user_agent" yaml:"user_agent"`
	StartupTimeout     Duration `toml:"startup_timeout" yaml:"startup_timeout" validate:"gte=0"`
	PageTimeout        Duration `toml:"page_timeout" yaml:"page_timeout" validate:"gte=0"`
	JavaScriptWaitTime Duration `toml:"javascript_wait_time" yaml:"javascript_wait_time" validate:"gte=0"` // time to let scripts render before capture
	ViewportWidth      int      `toml:"viewport_width" yaml:"viewport_width" validate:"gte=0"`
	ViewportHeight     int      `toml:"viewport_height" yaml:"viewport_height" validate:"gte=0"`
}

// CrawlConfig lists the pages to extract from
type CrawlConfig struct {
	URLs         []string `toml:"urls" yaml:"urls" validate:"dive,http_url"`
	RequestDelay Duration `toml:"request_delay" yaml:"request_delay" validate:"gte=0"` // minimum delay between page loads
	OutputDir    string   `toml:"output_dir" yaml:"output_dir" validate:"required"`
}

// CacheConfig selects the step record store
type CacheConfig struct {
	Backend       string `toml:"backend" yaml:"backend" validate:"oneof=json badger"`
	Path          string `toml:"path" yaml:"path" validate:"required"` // file for json, directory for badger
	CompareHashes bool   `toml:"compare_hashes" yaml:"compare_hashes"` // touched-but-unchanged inputs do not invalidate
}

// ScheduleConfig drives the watch command
type ScheduleConfig struct {
	Cron string `toml:"cron" yaml:"cron"` // standard 5-field cron, empty disables
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
			Dir:        "./logs",
		},
		Pipeline: PipelineConfig{
			Name:           "tokensmith",
			MaxConcurrency: 3,
		},
		Browser: BrowserConfig{
			Headless:           true,
			NoSandbox:          false,
			DisableGPU:         true,
			UserAgent:          "Tokensmith/1.0",
			StartupTimeout:     Duration(30 * time.Second),
			PageTimeout:        Duration(45 * time.Second),
			JavaScriptWaitTime: Duration(2 * time.Second),
			ViewportWidth:      1440,
			ViewportHeight:     900,
		},
		Crawl: CrawlConfig{
			RequestDelay: Duration(500 * time.Millisecond),
			OutputDir:    "./output",
		},
		Cache: CacheConfig{
			Backend: "json",
			Path:    "./output/.tokensmith-cache.json",
		},
	}
}

// LoadFromFiles loads configuration with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files. Files ending in .yaml or .yml are parsed as YAML,
// everything else as TOML. The result is validated.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		default:
			err = toml.Unmarshal(data, config)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies TOKENSMITH_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Logging
	if level := os.Getenv("TOKENSMITH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("TOKENSMITH_LOG_OUTPUT"); output != "" {
		config.Logging.Output = splitList(output)
	}
	if dir := os.Getenv("TOKENSMITH_LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}

	// Pipeline
	if maxConcurrency := os.Getenv("TOKENSMITH_PIPELINE_MAX_CONCURRENCY"); maxConcurrency != "" {
		if n, err := strconv.Atoi(maxConcurrency); err == nil {
			config.Pipeline.MaxConcurrency = n
		}
	}

	// Browser
	if headless := os.Getenv("TOKENSMITH_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if noSandbox := os.Getenv("TOKENSMITH_BROWSER_NO_SANDBOX"); noSandbox != "" {
		if b, err := strconv.ParseBool(noSandbox); err == nil {
			config.Browser.NoSandbox = b
		}
	}
	if userAgent := os.Getenv("TOKENSMITH_BROWSER_USER_AGENT"); userAgent != "" {
		config.Browser.UserAgent = userAgent
	}
	if pageTimeout := os.Getenv("TOKENSMITH_BROWSER_PAGE_TIMEOUT"); pageTimeout != "" {
		if d, err := time.ParseDuration(pageTimeout); err == nil {
			config.Browser.PageTimeout = Duration(d)
		}
	}

	// Crawl
	if urls := os.Getenv("TOKENSMITH_CRAWL_URLS"); urls != "" {
		config.Crawl.URLs = splitList(urls)
	}
	if requestDelay := os.Getenv("TOKENSMITH_CRAWL_REQUEST_DELAY"); requestDelay != "" {
		if d, err := time.ParseDuration(requestDelay); err == nil {
			config.Crawl.RequestDelay = Duration(d)
		}
	}
	if outputDir := os.Getenv("TOKENSMITH_CRAWL_OUTPUT_DIR"); outputDir != "" {
		config.Crawl.OutputDir = outputDir
	}

	// Cache
	if backend := os.Getenv("TOKENSMITH_CACHE_BACKEND"); backend != "" {
		config.Cache.Backend = backend
	}
	if path := os.Getenv("TOKENSMITH_CACHE_PATH"); path != "" {
		config.Cache.Path = path
	}
	if compare := os.Getenv("TOKENSMITH_CACHE_COMPARE_HASHES"); compare != "" {
		if b, err := strconv.ParseBool(compare); err == nil {
			config.Cache.CompareHashes = b
		}
	}

	// Schedule
	if schedule := os.Getenv("TOKENSMITH_SCHEDULE_CRON"); schedule != "" {
		config.Schedule.Cron = schedule
	}
}

// ApplyFlagOverrides applies command-line flag values, which have the highest priority
func ApplyFlagOverrides(config *Config, urls []string, logLevel string) {
	if len(urls) > 0 {
		config.Crawl.URLs = urls
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
}

// Validate checks struct constraints and the cron expression
func (c *Config) Validate() error {
	if err := schema.Struct().Validate(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Schedule.Cron != "" {
		if err := ValidateSchedule(c.Schedule.Cron); err != nil {
			return fmt.Errorf("invalid configuration: schedule.cron: %w", err)
		}
	}
	return nil
}

// ValidateSchedule validates a standard 5-field cron expression
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
