package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"liquidity-oracle/internal/audit"
)

// ErrAuditMismatch is returned when replayed evaluations disagree with the
// recorded outputs.
var ErrAuditMismatch = errors.New("audit replay mismatch")

// Verify checks the persisted hash chain and, unless skipped, replays every
// recorded evaluation against the current configuration.
func (a *App) Verify(ctx context.Context, opts VerifyOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.ListEntries(ctx, 0, 0)
	if err != nil {
		return err
	}
	if err := audit.Verify(entries); err != nil {
		a.Logger.Error().Err(err).Int("entries", len(entries)).Msg("audit chain verification failed")
		return err
	}
	fmt.Fprintf(os.Stdout, "chain ok: %d entries\n", len(entries))

	if opts.SkipReplay {
		return nil
	}
	pipeline, err := a.newPipeline()
	if err != nil {
		return err
	}
	mismatches, checked, err := pipeline.Replay(entries)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "replayed %d evaluations, %d mismatches\n", checked, len(mismatches))
	for _, m := range mismatches {
		fmt.Fprintln(os.Stdout, "  "+m.String())
	}
	if len(mismatches) > 0 {
		a.Logger.Warn().Int("mismatches", len(mismatches)).Msg("replay differs; configuration may have changed since recording")
		return fmt.Errorf("%w: %d of %d evaluations", ErrAuditMismatch, len(mismatches), checked)
	}
	return nil
}
