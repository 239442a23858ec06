package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"liquidity-oracle/internal/api"
	"liquidity-oracle/internal/codes"
	"liquidity-oracle/internal/payout"
	"liquidity-oracle/internal/signals"
)

const shutdownTimeout = 10 * time.Second

// Run starts the scheduled evaluation loop and, when enabled, the observer
// API. It blocks until SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched, err := a.newScheduler()
	if err != nil {
		return err
	}
	rt, err := a.newRuntime(ctx, runtimeOptions{Scheduler: sched, Notify: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Str("path", a.Config.Bolt.Path).Msg("database.dsn not configured; audit log kept in embedded store")
	}

	errCh := make(chan error, 1)
	var server *api.Server
	if a.Config.HTTP.Enabled {
		deps := api.Deps{
			Service: rt.engine,
			Payouts: payout.NewSimulated(),
			Metrics: rt.metrics.Handler(),
		}
		if a.Config.Codes.Enabled {
			client, err := signals.NewRedisClient(ctx, a.redisOptions())
			if err != nil {
				return err
			}
			defer client.Close()
			deps.Codes = &codeIssuer{
				store: codes.NewStore(client, a.Config.Codes.Prefix, a.Logger),
				ttl:   a.Config.Codes.TTL,
			}
		}
		server, err = api.NewServer(api.Options{
			Addr:         a.Config.HTTP.Addr,
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
			IdleTimeout:  a.Config.HTTP.IdleTimeout,
		}, deps, a.Logger)
		if err != nil {
			return err
		}
		go func() {
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	a.Logger.Info().Msg("starting evaluation service")
	go func() {
		errCh <- rt.engine.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errCh:
		cancel()
	}

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			a.Logger.Warn().Err(serr).Msg("observer api shutdown")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("evaluation service stopped")
	return nil
}

// codeIssuer applies the configured default lifetime.
type codeIssuer struct {
	store *codes.Store
	ttl   time.Duration
}

func (c *codeIssuer) Issue(ctx context.Context, amount decimal.Decimal, currency string, ttl time.Duration) (codes.Code, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.store.Issue(ctx, amount, currency, ttl)
}

func (c *codeIssuer) Redeem(ctx context.Context, code string) (codes.Code, error) {
	return c.store.Redeem(ctx, code)
}
