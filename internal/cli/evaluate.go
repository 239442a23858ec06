package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"liquidity-oracle/internal/app"
)

var (
	evaluateOverride float64
	evaluateNotify   bool
	evaluateJSON     bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one evaluation now and record it",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.EvaluateOptions{Notify: evaluateNotify, JSON: evaluateJSON}
		if cmd.Flags().Changed("override") {
			if evaluateOverride < 0 || evaluateOverride > 10 {
				return fmt.Errorf("--override must be within [0, 10]")
			}
			v := evaluateOverride
			opts.OverrideRisk = &v
		}
		return getApp().Evaluate(cmd.Context(), opts)
	},
}

func init() {
	evaluateCmd.Flags().Float64Var(&evaluateOverride, "override", 0, "Replace the fused risk score (0-10)")
	evaluateCmd.Flags().BoolVar(&evaluateNotify, "notify", false, "Deliver automation events through configured alert channels")
	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false, "Print the cycle as JSON")
}
