package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/njoerd114/taskmirror/internal/cache"
	"github.com/njoerd114/taskmirror/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show config, cache and last sync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("taskmirror status")
		fmt.Println("─────────────────")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			fmt.Printf("  Config:    %s (%v)\n", cfgPath, err)
			return nil
		}
		fmt.Printf("  Config:    %s\n", cfgPath)
		switch cfg.Remote.Kind {
		case config.RemoteHomeAssistant:
			fmt.Printf("  Remote:    Home Assistant at %s\n", cfg.Remote.HAURL)
		case config.RemoteVdir:
			fmt.Printf("  Remote:    vdir at %s\n", cfg.Remote.Path)
		}
		fmt.Printf("  Schedule:  %s\n", cfg.Schedule)

		info, err := os.Stat(cfg.CachePath)
		if err != nil {
			fmt.Printf("  Cache:     not found (%s)\n", cfg.CachePath)
			return nil
		}
		fmt.Printf("  Cache:     %s (%s)\n", cfg.CachePath, humanSize(info.Size()))

		ctx := context.Background()
		store, err := cache.Open(cfg.CachePath)
		if err != nil {
			return fmt.Errorf("opening cache: %w", err)
		}
		defer func() { _ = store.Close() }()

		last, err := store.LastSync(ctx)
		if err != nil {
			return err
		}
		if last.IsZero() {
			fmt.Println("  Last sync: never")
		} else {
			fmt.Printf("  Last sync: %s\n", last.Local().Format("2006-01-02 15:04:05"))
		}

		cals, err := store.Calendars(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  Calendars: %d\n", len(cals))
		for _, cal := range cals {
			fmt.Printf("    %-30s %4d items  %s\n", cal.Name(), cal.Len(), cal.URL())
		}
		return nil
	},
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
