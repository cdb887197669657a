package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	syncp "github.com/njoerd114/taskmirror/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync continuously on the configured schedule",
	Long: `Run a pass at start-up and then one per tick of the configured schedule.
A Home Assistant remote also triggers a pass whenever one of its todo lists
changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		engine := syncp.NewEngine(a.provider, a.cfg.CronSchedule(), a.watcher, logger)
		logger.Info("daemon starting", "schedule", a.cfg.Schedule, "remote", a.cfg.Remote.Kind)
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}
