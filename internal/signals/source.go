// Package signals turns external threat feeds into per-category risk
// signals. Feed failures never reach the caller: they degrade to the last
// known value or to an unavailable signal.
package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"liquidity-oracle/internal/risk"
)

var (
	// ErrFeedUnavailable wraps transport and HTTP failures.
	ErrFeedUnavailable = errors.New("signals: feed unavailable")
	// ErrMalformedSignal wraps payloads that cannot yield a usable severity.
	ErrMalformedSignal = errors.New("signals: malformed signal")
)

// Reading is one raw observation from a feed.
type Reading struct {
	Severity   float64
	ObservedAt time.Time
}

// Source is a single external feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (Reading, error)
}

func checkSeverity(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < risk.MinSeverity || v > risk.MaxSeverity {
		return fmt.Errorf("%w: severity %v outside [%v,%v]", ErrMalformedSignal, v, risk.MinSeverity, risk.MaxSeverity)
	}
	return nil
}

// StaticSource always reports the same severity, observed at fetch time.
type StaticSource struct {
	name     string
	severity float64
	now      func() time.Time
}

// NewStaticSource validates the severity up front.
func NewStaticSource(name string, severity float64) (*StaticSource, error) {
	if err := checkSeverity(severity); err != nil {
		return nil, err
	}
	return &StaticSource{name: name, severity: severity, now: time.Now}, nil
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	return Reading{Severity: s.severity, ObservedAt: s.now()}, nil
}

var _ Source = (*StaticSource)(nil)
