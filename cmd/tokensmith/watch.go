package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/tokensmith/internal/app"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the pipeline now and again on schedule.cron",
	Long:  `Runs immediately, then on every tick of schedule.cron until interrupted. A tick that fires while a run is still in progress is skipped.`,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	logger.Info().Str("cron", config.Schedule.Cron).Msg("Watching - Press Ctrl+C to stop")
	if err := application.Watch(ctx); err != nil {
		return err
	}
	logger.Info().Msg("Watch stopped")
	return nil
}
