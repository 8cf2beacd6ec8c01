package source

import "context"

// Adapter is the uniform contract every documentation backend
// implements (spec.md §4.C6). All methods must be safe for concurrent
// use once Initialize has returned successfully.
type Adapter interface {
	// Initialize prepares the adapter (auth, initial index build). A
	// CONFIG error here means the adapter is refused; other adapters
	// keep running.
	Initialize(ctx context.Context) error

	// Search answers a free-text query, ranked by descending confidence.
	Search(ctx context.Context, query string, filters Filters) ([]Result, error)

	// GetDocument returns the document matching id, or a NOT_FOUND typed
	// error when there is none. Every other failure also surfaces as a
	// typed error.
	GetDocument(ctx context.Context, id string) (*Result, error)

	// SearchRunbooks returns runbooks relevant to an alert context.
	SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]Runbook, error)

	// HealthCheck never returns an error; an unhealthy adapter is
	// represented by Health.Healthy == false.
	HealthCheck(ctx context.Context) Health

	// RefreshIndex rebuilds the adapter's document set in full. With
	// force=false an adapter may keep its current index instead and
	// return false without error (forge does so while its index is
	// younger than cache_ttl). No adapter tracks a refresh already in
	// progress: overlapping calls each rebuild, and the last one to
	// finish replaces the index.
	RefreshIndex(ctx context.Context, force bool) (bool, error)

	// Metadata summarizes the adapter's current state.
	Metadata() Metadata

	// Cleanup releases any held resources (watchers, connections).
	Cleanup(ctx context.Context) error

	// Name is the adapter instance's configured name, used as
	// Document.Source and as the registry key.
	Name() string
}
