package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "Show how remote and local calendars pair up",
	Args:  cobra.NoArgs,
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
		pairing.WriteSummary(os.Stdout)
		return nil
	},
}
