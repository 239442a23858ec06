package app

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"liquidity-oracle/internal/reserves"
)

// Attest reads the configured reserve token balance of vault and prints the
// snapshot as JSON. An empty vault falls back to reserves.vault_address.
func (a *App) Attest(ctx context.Context, vault string) error {
	cfg := a.Config.Reserves
	if vault == "" {
		vault = cfg.VaultAddress
	}
	if vault == "" {
		return errors.New("vault address required (--vault or reserves.vault_address)")
	}

	attestor := reserves.NewAttestor(reserves.Options{
		RPCURL:       cfg.RPCURL,
		TokenAddress: cfg.TokenAddress,
		TokenSymbol:  cfg.TokenSymbol,
		ChainID:      cfg.ChainID,
		Timeout:      cfg.RequestTimeout,
	}, a.Logger)

	att, err := attestor.Attest(ctx, vault)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(att)
}
