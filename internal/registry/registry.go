// Package registry owns the set of configured source.Adapter instances
// and fans queries out across them, merging and ranking the combined
// result set. Grounded on the teacher's internal/aggregate.MergeAndNormalize
// (de-dup + stable merge) for the merge step, and on its internal/budget
// package for per-query deadline enforcement; the fan-out itself uses
// golang.org/x/sync/errgroup, a dependency the teacher's own fetch/search
// code pattern (bounded concurrent calls, first-error-wins) calls for but
// the teacher implements by hand with channels — errgroup is the sahilm/
// pack's idiomatic version of the same shape.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperifyio/runbookd/internal/cache"
	"github.com/hyperifyio/runbookd/internal/source"
)

// Registry holds every configured adapter, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]source.Adapter
	order    []string // registration order, used as source_priority tiebreak
	cache    *cache.Cache
}

func New() *Registry {
	return &Registry{adapters: map[string]source.Adapter{}}
}

// WithCache attaches the two-tier cache in front of Search/SearchRunbooks.
// A nil c disables caching (every call falls through to the adapters).
func (r *Registry) WithCache(c *cache.Cache) *Registry {
	r.cache = c
	return r
}

func (r *Registry) Register(a source.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; !exists {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (source.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) List() []source.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]source.Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

func (r *Registry) priority(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	return len(r.order)
}

// InitializeAll calls Initialize on every adapter, tolerating individual
// failures (an adapter that fails to initialize is logged by the caller
// and simply excluded from fan-out, rather than aborting startup).
func (r *Registry) InitializeAll(ctx context.Context) map[string]error {
	adapters := r.List()
	errs := make(map[string]error, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a source.Adapter) {
			defer wg.Done()
			if err := a.Initialize(ctx); err != nil {
				mu.Lock()
				errs[a.Name()] = err
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()
	if len(errs) > 0 {
		r.mu.Lock()
		kept := r.order[:0]
		for _, name := range r.order {
			if _, failed := errs[name]; failed {
				delete(r.adapters, name)
				continue
			}
			kept = append(kept, name)
		}
		r.order = kept
		r.mu.Unlock()
	}
	return errs
}

// Search fans query out across every registered adapter within deadline,
// merges the per-adapter result sets, de-duplicates by ID, and sorts by
// descending confidence with a (source_priority, id) tiebreak. A single
// adapter's failure (including one it reports via its own circuit
// breaker) does not fail the overall call; spec.md §4.C8 requires
// partial results over an all-or-nothing fan-out.
func (r *Registry) Search(ctx context.Context, query string, filters source.Filters, deadline time.Duration) ([]source.Result, map[string]error) {
	key := cache.Key{Type: cache.TypeKnowledgeBase, Identifier: fmt.Sprintf("%s|%d|%.2f", query, filters.Limit, filters.ConfidenceThreshold)}
	if r.cache != nil {
		if raw, hit, _, err := r.cache.Get(ctx, key); err == nil && hit {
			var cached []source.Result
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	adapters := r.List()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	results := make([][]source.Result, len(adapters))
	errs := make(map[string]error)
	var errMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			res, err := a.Search(gctx, query, filters)
			if err != nil {
				errMu.Lock()
				errs[a.Name()] = err
				errMu.Unlock()
				return nil // isolate: one adapter's error never aborts the group
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // no goroutine returns a non-nil error; isolation happens above

	merged := r.mergeAndRank(adapters, results, filters.Limit)
	if r.cache != nil && len(errs) == 0 {
		if raw, merr := json.Marshal(merged); merr == nil {
			_ = r.cache.Put(ctx, key, raw)
		}
	}
	return merged, errs
}

// mergeAndRank merges, de-dups, and sorts each adapter's result set, then
// truncates to limit (when positive) per spec.md §4.C8's merge contract —
// the cap applies to the merged, ranked set, not to each adapter's own
// per-call output.
func (r *Registry) mergeAndRank(adapters []source.Adapter, groups [][]source.Result, limit int) []source.Result {
	seen := map[string]struct{}{}
	out := make([]source.Result, 0, 64)
	priorities := make(map[string]int, len(adapters))
	for i, a := range adapters {
		priorities[a.Name()] = i
	}
	for _, g := range groups {
		for _, res := range g {
			if res.ID == "" {
				continue
			}
			if _, dup := seen[res.ID]; dup {
				continue
			}
			seen[res.ID] = struct{}{}
			out = append(out, res)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ConfidenceScore != out[j].ConfidenceScore {
			return out[i].ConfidenceScore > out[j].ConfidenceScore
		}
		pi, pj := priorities[out[i].Source], priorities[out[j].Source]
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SearchRunbooks fans a runbook query out the same way Search does.
func (r *Registry) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string, deadline time.Duration) ([]source.Runbook, map[string]error) {
	key := cache.Key{Type: cache.TypeRunbookSearch, Identifier: fmt.Sprintf("%s|%s|%v", alertType, severity, systems)}
	if r.cache != nil {
		if raw, hit, _, err := r.cache.Get(ctx, key); err == nil && hit {
			var cached []source.Runbook
			if json.Unmarshal(raw, &cached) == nil {
				return cached, nil
			}
		}
	}

	adapters := r.List()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	results := make([][]source.Runbook, len(adapters))
	errs := make(map[string]error)
	var errMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		i, a := i, a
		g.Go(func() error {
			res, err := a.SearchRunbooks(gctx, alertType, severity, systems)
			if err != nil {
				errMu.Lock()
				errs[a.Name()] = err
				errMu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	seen := map[string]struct{}{}
	out := make([]source.Runbook, 0, 32)
	for _, g := range results {
		for _, rb := range g {
			if _, dup := seen[rb.ID]; dup {
				continue
			}
			seen[rb.ID] = struct{}{}
			out = append(out, rb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.ConfidenceScore > out[j].Metadata.ConfidenceScore
	})
	if r.cache != nil && len(errs) == 0 {
		if raw, merr := json.Marshal(out); merr == nil {
			_ = r.cache.Put(ctx, key, raw)
		}
	}
	return out, errs
}

// HealthCheckAll runs every adapter's health check concurrently.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]source.Health {
	adapters := r.List()
	out := make(map[string]source.Health, len(adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a source.Adapter) {
			defer wg.Done()
			h := a.HealthCheck(ctx)
			mu.Lock()
			out[a.Name()] = h
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	return out
}

// CleanupAll calls Cleanup on every adapter concurrently, collecting
// errors rather than short-circuiting on the first one (shutdown must
// give every adapter a chance to release its resources).
func (r *Registry) CleanupAll(ctx context.Context) map[string]error {
	adapters := r.List()
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a source.Adapter) {
			defer wg.Done()
			if err := a.Cleanup(ctx); err != nil {
				mu.Lock()
				errs[a.Name()] = err
				mu.Unlock()
			}
		}(a)
	}
	wg.Wait()
	return errs
}
