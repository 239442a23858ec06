package cli

import (
	"github.com/spf13/cobra"

	"liquidity-oracle/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate [scenario]",
	Short: "运行预置危机场景演练",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := simulateOpts
		if len(args) == 1 {
			opts.Scenario = args[0]
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.Scenario, "scenario", "", "场景标识，例如 istanbul-unrest")
	simulateCmd.Flags().BoolVar(&simulateOpts.List, "list", false, "列出全部场景")
	simulateCmd.Flags().BoolVar(&simulateOpts.Notify, "notify", false, "通过已配置的告警通道发送事件")
	simulateCmd.Flags().StringVar(&simulateOpts.Amount, "amount", "", "演练后通过首选通道发起模拟付款的金额")
	simulateCmd.Flags().StringVar(&simulateOpts.Currency, "currency", "USD", "模拟付款币种")
	simulateCmd.Flags().BoolVar(&simulateOpts.JSON, "json", false, "以 JSON 输出评估结果")
}
