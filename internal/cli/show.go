package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liquidity-oracle/internal/app"
)

var (
	showLimit int
	showKind  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Kind:  showKind,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of entries to display")
	showCmd.Flags().StringVar(&showKind, "kind", "", "Only show entries of this kind (evaluation, automation, payout_confirmation, command)")
}
