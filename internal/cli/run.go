package cli

import (
	"github.com/spf13/cobra"
)

var (
	runHTTPAddr string
	runNoHTTP   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled evaluation loop and observer API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runHTTPAddr != "" {
			a.Config.HTTP.Enabled = true
			a.Config.HTTP.Addr = runHTTPAddr
		}
		if runNoHTTP {
			a.Config.HTTP.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runHTTPAddr, "http-addr", "", "Serve the observer API on this address (enables http)")
	runCmd.Flags().BoolVar(&runNoHTTP, "no-http", false, "Disable the observer API even if enabled in config")
}
