package cli

import (
	"github.com/spf13/cobra"
)

var attestVault string

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Read the on-chain reserve balance backing payouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Attest(cmd.Context(), attestVault)
	},
}

func init() {
	attestCmd.Flags().StringVar(&attestVault, "vault", "", "Vault address (defaults to reserves.vault_address)")
}
