// Package breaker wraps github.com/sony/gobreaker with the three-state
// contract from spec.md §4.C2 and translates its open-state rejection
// into the typed UPSTREAM_UNAVAILABLE error.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hyperifyio/runbookd/internal/source"
)

// Config tunes a single named breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count within Window
	// that trips CLOSED -> OPEN.
	FailureThreshold uint32
	// Window bounds the consecutive-failure count above.
	Window time.Duration
	// Cooldown is how long OPEN waits before allowing a HALF_OPEN probe.
	Cooldown time.Duration
}

// Breaker is a named circuit breaker. Call Do to execute a guarded call.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// New builds a Breaker named name from cfg, applying sensible defaults.
func New(name string, cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cooldown,
		Interval: window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do executes fn if the breaker is CLOSED or probing HALF_OPEN; in the
// OPEN state it fails fast with a typed UPSTREAM_UNAVAILABLE error and
// never calls fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return source.NewError(source.CodeUpstreamDown, "circuit open for "+b.name, err)
	}
	return err
}

// State reports the breaker's current state for health checks/metrics.
func (b *Breaker) State() string { return b.cb.State().String() }

// Registry owns one Breaker per upstream name, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func(name string) Config
}

// NewRegistry builds a Registry that lazily constructs a Breaker for an
// unseen upstream name using factory to supply its Config.
func NewRegistry(factory func(name string) Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), factory: factory}
}

// Get returns the Breaker for name, constructing it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.factory(name))
	r.breakers[name] = b
	return b
}
