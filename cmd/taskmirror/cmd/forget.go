package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	syncp "github.com/njoerd114/taskmirror/internal/sync"
)

var forgetCmd = &cobra.Command{
	Use:   "forget <calendar-url>",
	Short: "Drop a local calendar that no longer exists on the remote",
	Long: `Removes a calendar, with its items and sync state, from the local cache.
Only calendars the remote no longer lists can be forgotten; use
"taskmirror calendars" to find them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		pairing, err := a.provider.Pairing(ctx)
		if err != nil {
			return err
		}
		if err := checkForgettable(pairing, args[0]); err != nil {
			return err
		}
		if err := a.local.DeleteCalendar(ctx, args[0]); err != nil {
			return err
		}
		logger.Info("calendar forgotten", "calendar", args[0])
		fmt.Printf("Removed %s from the local cache.\n", args[0])
		return nil
	},
}

var errStillOnRemote = errors.New("calendar still exists on the remote")

// checkForgettable allows forgetting only local calendars without a remote
// counterpart.
func checkForgettable(p syncp.Pairing, url string) error {
	for _, cal := range p.LocalOnly {
		if cal.URL() == url {
			return nil
		}
	}
	for _, pair := range p.Pairs {
		if pair.Local.URL() == url {
			return fmt.Errorf("%s: %w", url, errStillOnRemote)
		}
	}
	return fmt.Errorf("no local calendar %s", url)
}
