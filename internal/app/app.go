package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"liquidity-oracle/internal/alerting"
	"liquidity-oracle/internal/audit"
	"liquidity-oracle/internal/automation"
	"liquidity-oracle/internal/config"
	"liquidity-oracle/internal/engine"
	"liquidity-oracle/internal/geo"
	"liquidity-oracle/internal/metrics"
	"liquidity-oracle/internal/network"
	"liquidity-oracle/internal/oracle"
	"liquidity-oracle/internal/risk"
	"liquidity-oracle/internal/scheduler"
	"liquidity-oracle/internal/signals"
	"liquidity-oracle/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

type auditStore interface {
	storage.AuditStore
	storage.AdvisoryLocker
}

// openStore selects PostgreSQL when a DSN is configured and the embedded
// bolt file otherwise.
func (a *App) openStore(ctx context.Context) (auditStore, func(), error) {
	if a.Config.Database.DSN == "" {
		store, err := storage.OpenBolt(a.Config.Bolt.Path, a.Config.Bolt.Timeout)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Debug().Str("path", a.Config.Bolt.Path).Msg("using embedded audit store")
		return store, func() { store.Close() }, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// loadLog restores the persisted chain into memory. A broken chain is fatal.
// The engine rebuilds automation state from the same entries.
func (a *App) loadLog(ctx context.Context, store storage.AuditStore) (*audit.Log, error) {
	log := audit.NewLog(store)
	if store == nil {
		return log, nil
	}
	entries, err := store.ListEntries(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	if err := log.Restore(entries); err != nil {
		return nil, fmt.Errorf("restore audit log: %w", err)
	}
	a.Logger.Info().Int("entries", len(entries)).Uint64("next_cycle", log.NextCycle()).Msg("audit log restored")
	return log, nil
}

func (a *App) newPipeline() (*engine.Pipeline, error) {
	weights, err := a.Config.Weights()
	if err != nil {
		return nil, err
	}
	regimes, err := a.Config.Regimes()
	if err != nil {
		return nil, err
	}
	catalog := a.Config.Catalog()

	fuser, err := risk.NewFuser(weights)
	if err != nil {
		return nil, err
	}
	sim, err := network.NewSimulator(catalog)
	if err != nil {
		return nil, err
	}
	o, err := oracle.New(catalog, regimes)
	if err != nil {
		return nil, err
	}
	return engine.NewPipeline(fuser, sim, o), nil
}

func (a *App) newLocator() (*geo.StaticLocator, error) {
	loc := a.Config.Location
	return geo.NewStaticLocator(geo.StaticOptions{
		City:              loc.City,
		Country:           loc.Country,
		Latitude:          loc.Latitude,
		Longitude:         loc.Longitude,
		ConflictZone:      loc.ConflictZone,
		ConflictCountries: loc.ConflictCountries,
	})
}

// newSources builds the configured feed per category. Unconfigured
// categories are left out and report unavailable.
func (a *App) newSources(ctx context.Context, locator geo.Locator) (map[risk.Category]signals.Source, error) {
	var near *geo.Coordinates
	if loc, err := locator.Locate(ctx); err == nil && (loc.Coordinates != geo.Coordinates{}) {
		c := loc.Coordinates
		near = &c
	}

	out := make(map[risk.Category]signals.Source, len(a.Config.Signals.Sources))
	for name, src := range a.Config.Signals.Sources {
		cat, err := risk.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		switch src.Type {
		case config.SourceStatic:
			s, err := signals.NewStaticSource("static:"+name, src.Severity)
			if err != nil {
				return nil, err
			}
			out[cat] = s
		default:
			opts := signals.HTTPOptions{
				Name:      src.Type + ":" + name,
				URL:       src.URL,
				Format:    src.Type,
				Timeout:   a.Config.Signals.Timeout,
				UserAgent: a.Config.Signals.UserAgent,
				RadiusKM:  src.RadiusKM,
			}
			if src.RadiusKM > 0 {
				opts.Near = near
			}
			s, err := signals.NewHTTPSource(opts, a.Logger)
			if err != nil {
				return nil, err
			}
			out[cat] = s
		}
	}
	return out, nil
}

func (a *App) newCache(ctx context.Context) (signals.Cache, func(), error) {
	if a.Config.Signals.Cache != config.CacheRedis {
		return signals.NewMemoryCache(), func() {}, nil
	}
	client, err := signals.NewRedisClient(ctx, a.redisOptions())
	if err != nil {
		return nil, nil, err
	}
	return signals.NewRedisCache(client, a.Config.Redis.Prefix, a.Config.Redis.TTL), func() { client.Close() }, nil
}

func (a *App) redisOptions() signals.RedisOptions {
	return signals.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
		Prefix:   a.Config.Redis.Prefix,
		TTL:      a.Config.Redis.TTL,
	}
}

func (a *App) newAdapter(sources map[risk.Category]signals.Source, cache signals.Cache, m *metrics.Metrics) (*signals.Adapter, error) {
	s := a.Config.Signals
	return signals.NewAdapter(sources, cache, signals.Options{
		Timeout:         s.Timeout,
		MaxAge:          s.MaxAge,
		RatePerSecond:   s.RatePerSecond,
		Burst:           s.Burst,
		BreakerFailures: s.BreakerFailures,
		BreakerCooldown: s.BreakerCooldown,
		OnFallback: func(category risk.Category, reason signals.FallbackReason) {
			m.FeedFallback(string(category), string(reason))
		},
	}, a.Logger)
}

// newNotifier fans out to every enabled channel; nil when none is enabled.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	closer := func() {}
	if !a.Config.Alerting.Enabled {
		return nil, closer, nil
	}
	var fan alerting.Fanout
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		fan = append(fan, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, a.Config.Alerting.Timeout, a.Logger))
	}
	if nc := a.Config.Alerting.NATS; nc.Enabled {
		conn, err := alerting.DialNATS(nc.URL, a.Config.App.Name, nc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		closer = conn.Close
		fan = append(fan, alerting.NewNATSNotifier(conn, nc.Subject, a.Logger))
	}
	if len(fan) == 0 {
		return nil, closer, nil
	}
	return fan, closer, nil
}

func (a *App) newAutomations() (*automation.DeadMan, *automation.Watcher, error) {
	deadman := automation.NewDeadMan(automation.DeadManOptions{
		Intervals:       a.Config.DeadMan.Intervals,
		ActionThreshold: a.Config.DeadMan.ActionThreshold,
	})
	guardian, err := automation.NewWatcher(a.Config.Guardian.Contacts, a.Config.Guardian.Threshold)
	if err != nil {
		return nil, nil, err
	}
	return deadman, guardian, nil
}

func (a *App) newMetrics() (*metrics.Metrics, error) {
	if !a.Config.Metrics.Enabled {
		return nil, nil
	}
	return metrics.New(prometheus.NewRegistry())
}

// runtime is a fully wired engine plus what must be released afterwards.
type runtime struct {
	engine  *engine.Engine
	metrics *metrics.Metrics
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

type runtimeOptions struct {
	// Sources and Locator replace the configured ones (scenario drills).
	Sources map[risk.Category]signals.Source
	Locator geo.Locator
	// Ephemeral keeps the audit log in memory only.
	Ephemeral bool
	Scheduler *scheduler.Scheduler
	Notify    bool
}

func (a *App) newRuntime(ctx context.Context, opts runtimeOptions) (_ *runtime, err error) {
	rt := &runtime{}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	pipeline, err := a.newPipeline()
	if err != nil {
		return nil, err
	}
	locator := opts.Locator
	if locator == nil {
		l, err := a.newLocator()
		if err != nil {
			return nil, err
		}
		locator = l
	}
	sources := opts.Sources
	if sources == nil {
		if sources, err = a.newSources(ctx, locator); err != nil {
			return nil, err
		}
	}

	if rt.metrics, err = a.newMetrics(); err != nil {
		return nil, err
	}

	cache := signals.Cache(signals.NewMemoryCache())
	if !opts.Ephemeral {
		c, closeCache, err := a.newCache(ctx)
		if err != nil {
			return nil, err
		}
		cache = c
		rt.closers = append(rt.closers, closeCache)
	}
	adapter, err := a.newAdapter(sources, cache, rt.metrics)
	if err != nil {
		return nil, err
	}

	var store auditStore
	if !opts.Ephemeral {
		s, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		store = s
		rt.closers = append(rt.closers, closeStore)
	}
	var log *audit.Log
	if store != nil {
		if log, err = a.loadLog(ctx, store); err != nil {
			return nil, err
		}
	} else {
		log = audit.NewLog(nil)
	}

	var notifier alerting.Notifier
	if opts.Notify {
		n, closeNotifier, err := a.newNotifier()
		if err != nil {
			return nil, err
		}
		notifier = n
		rt.closers = append(rt.closers, closeNotifier)
	}

	deadman, guardian, err := a.newAutomations()
	if err != nil {
		return nil, err
	}

	deps := engine.Deps{
		Fetcher:   adapter,
		Pipeline:  pipeline,
		Locator:   locator,
		DeadMan:   deadman,
		Guardian:  guardian,
		Log:       log,
		Metrics:   rt.metrics,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
		Scheduler: opts.Scheduler,
		Logger:    a.Logger,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	if store != nil {
		deps.Locker = store
	}
	if rt.engine, err = engine.New(deps); err != nil {
		return nil, err
	}
	// A persisted log also carries the automation state of previous runs.
	if store != nil {
		if _, err := rt.engine.Restore(log.Entries(0, 0)); err != nil {
			return nil, fmt.Errorf("restore automation state: %w", err)
		}
	}
	return rt, nil
}

func (a *App) newScheduler() (*scheduler.Scheduler, error) {
	s := a.Config.Scheduler
	return scheduler.New(scheduler.Options{
		Interval:       s.Interval,
		Cron:           s.Cron,
		AlignToStart:   s.AlignToStart,
		StartupDelay:   s.StartupDelay,
		RunImmediately: s.RunImmediately,
	}, a.Logger)
}

// ExportOptions hold parameters for exporting the risk history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Kind  string
}

// EvaluateOptions configure a one-off evaluation.
type EvaluateOptions struct {
	OverrideRisk *float64
	Notify       bool
	JSON         bool
}

// SimulateOptions configure a scenario drill.
type SimulateOptions struct {
	Scenario string
	List     bool
	Notify   bool
	Amount   string
	Currency string
	JSON     bool
}

// VerifyOptions configure the integrity check.
type VerifyOptions struct {
	SkipReplay bool
}
