package cli

import (
	"github.com/spf13/cobra"

	"liquidity-oracle/internal/app"
)

var verifySkipReplay bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain and replay recorded evaluations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Verify(cmd.Context(), app.VerifyOptions{SkipReplay: verifySkipReplay})
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifySkipReplay, "skip-replay", false, "Only check chain integrity")
}
