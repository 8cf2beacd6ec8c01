package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hyperifyio/runbookd/internal/breaker"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the two-tier cache described in spec.md §4.C3. The zero
// value is not usable; build one with New.
type Cache struct {
	l1        *lru.Cache[string, entry]
	l2        RemoteStore
	l2Breaker *breaker.Breaker
	ttl       map[ContentType]time.Duration

	mu sync.Mutex // guards l1 prefix-scan invalidation only; lru.Cache is itself safe for concurrent use
}

// Options configures a Cache.
type Options struct {
	L1MaxEntries int
	L2           RemoteStore // nil disables L2
	TTLOverrides map[ContentType]time.Duration
}

// New builds a Cache. L2, when non-nil, is wrapped in its own circuit
// breaker so sustained L2 failure degrades transparently to L1-only.
func New(opts Options) (*Cache, error) {
	max := opts.L1MaxEntries
	if max <= 0 {
		max = 10_000
	}
	l1, err := lru.New[string, entry](max)
	if err != nil {
		return nil, err
	}
	ttl := make(map[ContentType]time.Duration, len(opts.TTLOverrides))
	for k, v := range opts.TTLOverrides {
		ttl[k] = v
	}
	c := &Cache{l1: l1, l2: opts.L2, ttl: ttl}
	if opts.L2 != nil {
		c.l2Breaker = breaker.New("cache-l2", breaker.Config{})
	}
	return c, nil
}

func (c *Cache) ttlFor(t ContentType) time.Duration {
	if d, ok := c.ttl[t]; ok {
		return d
	}
	return DefaultTTL(t)
}

// Get returns the cached value for key. hit is true when found in
// either tier and not expired; fromL2 is true when the value came from
// L2 (in which case it is backfilled into L1 asynchronously).
func (c *Cache) Get(ctx context.Context, key Key) (value []byte, hit bool, fromL2 bool, err error) {
	k := key.String()
	if e, ok := c.l1.Get(k); ok {
		if time.Now().Before(e.expiresAt) {
			return e.value, true, false, nil
		}
		c.l1.Remove(k)
	}
	if c.l2 == nil {
		return nil, false, false, nil
	}
	var (
		b    []byte
		l2ok bool
	)
	getErr := c.l2Breaker.Do(ctx, func(ctx context.Context) error {
		v, ok, gerr := c.l2.Get(ctx, k)
		if gerr != nil {
			return gerr
		}
		b, l2ok = v, ok
		return nil
	})
	if getErr != nil || !l2ok {
		return nil, false, false, nil // L2 errors degrade to a miss, never fail the query
	}
	go func() {
		ttl := c.ttlFor(key.Type)
		c.l1.Add(k, entry{value: b, expiresAt: time.Now().Add(ttl)})
	}()
	return b, true, true, nil
}

// Put writes value for key into both tiers. L2 is written first, as a
// synchronous call through the L2 breaker whose error is ignored, so L1
// still gets written when L2 fails; a call into an unavailable L2 waits
// until that call fails, unless the breaker is already open. Per
// spec.md §5, the last write for a given key wins.
func (c *Cache) Put(ctx context.Context, key Key, value []byte) error {
	ttl := c.ttlFor(key.Type)
	k := key.String()
	if c.l2 != nil {
		_ = c.l2Breaker.Do(ctx, func(ctx context.Context) error {
			return c.l2.Set(ctx, k, value, ttl)
		})
	}
	c.l1.Add(k, entry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Invalidate removes a single key from both tiers (delete-then-insert
// semantics for cache entries per spec.md §3).
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.l1.Remove(key.String())
	if c.l2 != nil {
		return c.l2Breaker.Do(ctx, func(ctx context.Context) error {
			return c.l2.Delete(ctx, key.String())
		})
	}
	return nil
}

// InvalidatePrefix removes every key starting with prefix from both
// tiers.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	c.mu.Lock()
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Remove(k)
		}
	}
	c.mu.Unlock()
	if c.l2 != nil {
		return c.l2Breaker.Do(ctx, func(ctx context.Context) error {
			return c.l2.DeletePrefix(ctx, prefix)
		})
	}
	return nil
}

// L2Healthy reports whether the L2 breaker is currently closed (or L2
// is not configured, in which case it reports true — there is nothing
// to be unhealthy).
func (c *Cache) L2Healthy() bool {
	if c.l2Breaker == nil {
		return true
	}
	return c.l2Breaker.State() == "closed"
}
