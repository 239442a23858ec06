package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"liquidity-oracle/internal/risk"
)

// FallbackReason explains why a category did not get a fresh reading.
type FallbackReason string

const (
	ReasonUnconfigured FallbackReason = "unconfigured"
	ReasonRateLimited  FallbackReason = "rate_limited"
	ReasonBreakerOpen  FallbackReason = "breaker_open"
	ReasonFetchError   FallbackReason = "fetch_error"
	ReasonMalformed    FallbackReason = "malformed"
)

// Options tune the adapter. Zero values fall back to sane defaults.
type Options struct {
	Timeout         time.Duration
	MaxAge          time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// OnFallback is called for every category that degrades.
	OnFallback func(category risk.Category, reason FallbackReason)
	Now        func() time.Time
}

type feed struct {
	source  Source
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Adapter fetches one signal per category with per-feed isolation.
type Adapter struct {
	opts   Options
	feeds  map[risk.Category]*feed
	cache  Cache
	logger zerolog.Logger
}

// NewAdapter wires sources to categories. cache may be nil.
func NewAdapter(sources map[risk.Category]Source, cache Cache, opts Options, logger zerolog.Logger) (*Adapter, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 6 * time.Hour
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Adapter{
		opts:   opts,
		feeds:  make(map[risk.Category]*feed, len(sources)),
		cache:  cache,
		logger: logger.With().Str("component", "signal_adapter").Logger(),
	}
	for cat, src := range sources {
		if !cat.Valid() {
			return nil, fmt.Errorf("unknown category %q", cat)
		}
		if src == nil {
			continue
		}
		a.feeds[cat] = &feed{
			source:  src,
			breaker: newBreaker(string(cat)+":"+src.Name(), opts.BreakerFailures, opts.BreakerCooldown),
			limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		}
	}
	return a, nil
}

func newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Timeout = cooldown
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= failures
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Configured reports whether a category has a feed.
func (a *Adapter) Configured(category risk.Category) bool {
	_, ok := a.feeds[category]
	return ok
}

// FetchAll fetches every category concurrently and returns the signals in
// canonical category order.
func (a *Adapter) FetchAll(ctx context.Context) []risk.Signal {
	out := make([]risk.Signal, len(risk.Categories))
	var wg sync.WaitGroup
	for i, cat := range risk.Categories {
		wg.Add(1)
		go func(i int, cat risk.Category) {
			defer wg.Done()
			out[i] = a.Fetch(ctx, cat)
		}(i, cat)
	}
	wg.Wait()
	return out
}

// Fetch returns a signal for the category. It never fails: a feed problem
// yields the cached value flagged stale, or an unavailable signal.
func (a *Adapter) Fetch(ctx context.Context, category risk.Category) risk.Signal {
	f, ok := a.feeds[category]
	if !ok {
		return a.fallback(ctx, category, "", ReasonUnconfigured, nil)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	if err := f.limiter.Wait(fetchCtx); err != nil {
		return a.fallback(ctx, category, f.source.Name(), ReasonRateLimited, err)
	}

	res, err := f.breaker.Execute(func() (interface{}, error) {
		reading, err := f.source.Fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		if err := checkSeverity(reading.Severity); err != nil {
			return nil, err
		}
		return reading, nil
	})
	if err != nil {
		reason := ReasonFetchError
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			reason = ReasonBreakerOpen
		case errors.Is(err, ErrMalformedSignal):
			reason = ReasonMalformed
		}
		return a.fallback(ctx, category, f.source.Name(), reason, err)
	}

	reading := res.(Reading)
	now := a.opts.Now()
	observed := reading.ObservedAt
	if observed.IsZero() {
		observed = now
	}
	sig := risk.Signal{
		Category:   category,
		Severity:   reading.Severity,
		ObservedAt: observed,
		Stale:      now.Sub(observed) > a.opts.MaxAge,
		Source:     f.source.Name(),
	}
	if sig.Stale {
		a.logger.Warn().Str("category", string(category)).Time("observed_at", observed).Msg("feed returned an old observation")
	}
	if a.cache != nil {
		if err := a.cache.Put(ctx, sig); err != nil {
			a.logger.Warn().Err(err).Str("category", string(category)).Msg("cache signal failed")
		}
	}
	return sig
}

func (a *Adapter) fallback(ctx context.Context, category risk.Category, source string, reason FallbackReason, cause error) risk.Signal {
	if a.opts.OnFallback != nil {
		a.opts.OnFallback(category, reason)
	}
	level := zerolog.WarnLevel
	if reason == ReasonUnconfigured {
		level = zerolog.DebugLevel
	}
	ev := a.logger.WithLevel(level).Str("category", string(category)).Str("reason", string(reason))
	if cause != nil {
		ev = ev.Err(cause)
	}

	if a.cache != nil {
		last, ok, err := a.cache.Get(ctx, category)
		if err != nil {
			a.logger.Warn().Err(err).Str("category", string(category)).Msg("read cached signal failed")
		}
		if ok {
			last.Stale = true
			last.Unavailable = false
			ev.Time("observed_at", last.ObservedAt).Msg("feed degraded, using last known signal")
			return last
		}
	}
	ev.Msg("feed degraded, no last known signal")
	return risk.Signal{Category: category, Unavailable: true, Source: source}
}
