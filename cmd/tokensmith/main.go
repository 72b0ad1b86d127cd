package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/tokensmith/internal/common"
)

var (
	// Persistent flags
	configFiles []string
	logLevel    string
	targetURLs  []string

	// Global state, set by loadConfig
	config *common.Config
	logger arbor.ILogger
)

var rootCmd = &cobra.Command{
	Use:           "tokensmith",
	Short:         "Extract design tokens from live websites",
	Long:          `Renders pages in headless Chrome, collects their style sources and only repeats the stages whose inputs changed since the last run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configFiles, "config", "c", nil, "Configuration file path (can be specified multiple times, later files override earlier ones)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringArrayVar(&targetURLs, "url", nil, "URL to crawl (can be specified multiple times, replaces crawl.urls)")

	rootCmd.AddCommand(runCmd, planCmd, watchCmd, versionCmd)
}

func main() {
	defer common.RecoverWithCrashFile()

	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error().Err(err).Msg("Command failed")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig runs the startup sequence shared by every command that touches the pipeline:
// config (defaults -> files -> env -> flags), logger, crash handler, banner
func loadConfig() error {
	if len(configFiles) == 0 {
		if _, err := os.Stat("tokensmith.toml"); err == nil {
			configFiles = append(configFiles, "tokensmith.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ApplyFlagOverrides(config, targetURLs, logLevel)
	if err := config.Validate(); err != nil {
		return err
	}

	logger = common.InitLogger(config)
	common.InstallCrashHandler(config.Logging.Dir)
	common.PrintBanner(common.GetVersion())

	logger.Debug().
		Strs("config_files", configFiles).
		Str("log_level", config.Logging.Level).
		Strs("urls", config.Crawl.URLs).
		Str("cache_backend", config.Cache.Backend).
		Msg("Configuration loaded")

	return nil
}
