package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/tokensmith/internal/app"
)

var runForce bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction pipeline once",
	Long:  `Runs every stage whose outputs are missing or whose inputs changed; up-to-date stages reload their previous output.`,
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runForce, "force", false, "Run every stage regardless of the cache")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if len(config.Crawl.URLs) == 0 {
		return fmt.Errorf("no URLs to crawl: set crawl.urls or pass --url")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	sources, err := application.Run(ctx, runForce)
	if err != nil {
		return err
	}

	for _, source := range sources {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tstyle_blocks=%d inline=%d stylesheets=%d\n",
			source.URL, len(source.StyleBlocks), len(source.InlineStyles), len(source.Stylesheets))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", application.Styles.ArtifactPath())
	return nil
}
