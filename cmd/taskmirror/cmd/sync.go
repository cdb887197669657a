package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	syncp "github.com/njoerd114/taskmirror/internal/sync"
)

var strict bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single reconcile pass and print the report",
	Long: `Run one reconcile pass between the remote and the local cache, then print
what was pulled, pushed and deleted, every conflict and every calendar that
could not be synced.

With --strict the command fails when the report lists any anomaly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		engine := syncp.NewEngine(a.provider, a.cfg.CronSchedule(), nil, logger)
		report, err := engine.RunOnce(ctx)
		if report != nil {
			_, _ = report.WriteTo(os.Stdout)
		}
		if err != nil {
			return err
		}
		if strict {
			return report.Err()
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when any calendar reports an anomaly")
}
