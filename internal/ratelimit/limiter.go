// Package ratelimit enforces a per-upstream minimum interval between
// calls and a conservative hourly quota, converting exhaustion into the
// typed RATE_LIMITED error rather than letting it surface as an upstream
// 429/403 (spec.md §4.C1).
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperifyio/runbookd/internal/source"
)

// Limiter tracks rate-limit state for a single upstream. The zero value
// is not usable; construct with New.
type Limiter struct {
	name         string
	minInterval  time.Duration
	quota        int
	safetyBuffer int

	mu            sync.Mutex
	burst         *rate.Limiter // enforces MinInterval via a 1-token bucket
	lastRequestAt time.Time
	hourlyCount   int
	hourStart     time.Time
	remaining     int
	resetAt       time.Time

	now func() time.Time
}

// Config configures a single upstream's discipline.
type Config struct {
	// Name identifies the upstream for logging/metrics.
	Name string
	// MinInterval is the minimum spacing between outbound calls.
	MinInterval time.Duration
	// HourlyLimit is the upstream's advertised hourly call limit.
	HourlyLimit int
	// QuotaFraction is the conservative fraction of HourlyLimit this
	// limiter self-imposes, e.g. 0.25 for 25%.
	QuotaFraction float64
	// SafetyBuffer is the minimum "remaining" the upstream must report
	// before a call is allowed to proceed, when remaining is known.
	SafetyBuffer int
}

// New builds a Limiter from cfg, applying sensible defaults.
func New(cfg Config) *Limiter {
	quota := cfg.HourlyLimit
	if cfg.QuotaFraction > 0 && cfg.QuotaFraction <= 1 {
		quota = int(float64(cfg.HourlyLimit) * cfg.QuotaFraction)
	}
	if quota <= 0 {
		quota = cfg.HourlyLimit
	}
	minInterval := cfg.MinInterval
	if minInterval <= 0 {
		minInterval = time.Second
	}
	l := &Limiter{
		name:         cfg.Name,
		minInterval:  minInterval,
		quota:        quota,
		safetyBuffer: cfg.SafetyBuffer,
		remaining:    -1, // unknown until the upstream reports it
		now:          time.Now,
	}
	l.burst = rate.NewLimiter(rate.Every(minInterval), 1)
	return l
}

// Before blocks until the caller may issue a call, or returns a typed
// RATE_LIMITED error immediately when quota or remaining is exhausted.
// It respects ctx cancellation while waiting out the min-interval.
func (l *Limiter) Before(ctx context.Context) error {
	l.mu.Lock()
	now := l.now()
	if l.hourStart.IsZero() || now.Sub(l.hourStart) >= time.Hour {
		l.hourStart = now
		l.hourlyCount = 0
	}
	if l.hourlyCount >= l.quota && l.quota > 0 {
		reset := l.resetAt
		if reset.IsZero() || reset.Before(now) {
			reset = l.hourStart.Add(time.Hour)
		}
		l.mu.Unlock()
		return source.RateLimited(reset)
	}
	if l.remaining >= 0 && l.remaining < l.safetyBuffer && l.resetAt.After(now) {
		reset := l.resetAt
		l.mu.Unlock()
		return source.RateLimited(reset)
	}
	l.mu.Unlock()

	if err := l.burst.Wait(ctx); err != nil {
		return err
	}
	return nil
}

// After records a completed call and updates bookkeeping from whatever
// the upstream reported (headerRemaining/headerResetAt may be zero
// values when the upstream didn't report them).
func (l *Limiter) After(headerRemaining int, headerResetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequestAt = l.now()
	l.hourlyCount++
	if headerRemaining > 0 || !headerResetAt.IsZero() {
		l.remaining = headerRemaining
		l.resetAt = headerResetAt
	}
}

// Exhausted records an upstream-reported 403/429 exhaustion signal and
// returns the typed error the caller should surface.
func (l *Limiter) Exhausted(resetAt time.Time) *source.Error {
	l.mu.Lock()
	l.remaining = 0
	if !resetAt.IsZero() {
		l.resetAt = resetAt
	} else if l.resetAt.IsZero() {
		l.resetAt = l.now().Add(time.Hour)
	}
	reset := l.resetAt
	l.mu.Unlock()
	return source.RateLimited(reset)
}

// Snapshot returns the current bookkeeping state for metrics/tests.
type Snapshot struct {
	Remaining     int
	ResetAt       time.Time
	LastRequestAt time.Time
	HourlyCount   int
	Quota         int
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Remaining:     l.remaining,
		ResetAt:       l.resetAt,
		LastRequestAt: l.lastRequestAt,
		HourlyCount:   l.hourlyCount,
		Quota:         l.quota,
	}
}

// Registry owns one Limiter per upstream name, created lazily.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	factory  func(name string) Config
}

// NewRegistry builds a Registry that lazily constructs a Limiter for an
// unseen upstream name using factory to supply its Config.
func NewRegistry(factory func(name string) Config) *Registry {
	return &Registry{limiters: make(map[string]*Limiter), factory: factory}
}

// Get returns the Limiter for name, constructing it on first use.
func (r *Registry) Get(name string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	cfg := r.factory(name)
	cfg.Name = name
	l := New(cfg)
	r.limiters[name] = l
	return l
}
