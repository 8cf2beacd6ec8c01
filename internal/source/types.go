// Package source defines the uniform contract every documentation
// backend implements, and the canonical types that flow through it.
package source

import "time"

// Type identifies the kind of backend a Document or Adapter came from.
type Type string

const (
	TypeFilesystem Type = "filesystem"
	TypeWiki       Type = "wiki"
	TypeForge      Type = "forge"
	TypeHTTP       Type = "http"
)

// Document is the canonical shape every adapter normalizes its payloads
// into before they reach the index or the runbook extractor.
type Document struct {
	ID                string
	Title             string
	Content           string
	SearchableContent string
	Source            string
	SourceType        Type
	URL               string
	LastModified      time.Time
	Metadata          map[string]any
}

// Result is a Document plus the ranking and timing data attached by a
// search. MatchReasons is ordered: the strongest signal first.
type Result struct {
	Document
	ConfidenceScore float64
	MatchReasons    []string
	RetrievalTimeMs int64
}

// Filters narrows a search. Every adapter recognizes the same shape;
// CategoriesMatch treats an unspecified category list as "match
// everything".
type Filters struct {
	Limit               int
	ConfidenceThreshold float64
	Categories          []string
	MaxAgeDays          int
}

// HasConfidenceThreshold reports whether a usable threshold was supplied.
// Out-of-range values ([0,1]) are treated as absent per the spec's
// boundary-behavior requirement.
func (f Filters) HasConfidenceThreshold() bool {
	return f.ConfidenceThreshold >= 0 && f.ConfidenceThreshold <= 1 && f.ConfidenceThreshold > 0
}

// CategoriesMatch reports whether an adapter declaring declared categories
// should answer a query carrying requested categories, per spec.md §4.C6:
// categories is a pre-filter on the adapter's declared categories, and an
// unspecified filter matches everything. An adapter with no declared
// categories of its own matches any requested filter (it never opts out).
func CategoriesMatch(declared, requested []string) bool {
	if len(requested) == 0 || len(declared) == 0 {
		return true
	}
	want := make(map[string]struct{}, len(requested))
	for _, c := range requested {
		want[c] = struct{}{}
	}
	for _, c := range declared {
		if _, ok := want[c]; ok {
			return true
		}
	}
	return false
}

// DecisionTree is the canonical shape of a runbook's branching logic.
type DecisionTree struct {
	ID            string
	Name          string
	Description   string
	Branches      []Branch
	DefaultAction string
}

// Branch is a single edge of a DecisionTree.
type Branch struct {
	ID          string
	Condition   string
	Description string
	Action      string
	NextStep    string
	Confidence  float64
}

// Procedure is a single ordered operational step.
type Procedure struct {
	ID                string
	Name              string
	Description       string
	ExpectedOutcome   string
	TimeoutSeconds    int
}

// RunbookMetadata carries the provenance and scoring data attached to a
// Runbook, separate from its operational content.
type RunbookMetadata struct {
	CreatedAt               time.Time
	UpdatedAt               time.Time
	Author                  string
	ConfidenceScore         float64
	SuccessRate             float64
	AvgResolutionTimeMinutes *float64
}

// Runbook is the canonical operational artifact produced by extraction
// or synthesis. Per the invariant in spec.md §3, a Runbook returned to a
// caller always has at least one Procedure.
type Runbook struct {
	ID              string
	Title           string
	Version         string
	Description     string
	Triggers        []string
	SeverityMapping map[string]string
	DecisionTree    DecisionTree
	Procedures      []Procedure
	EscalationPath  string
	Metadata        RunbookMetadata
}

// HasProcedures reports whether the invariant in spec.md §3 ("a Runbook
// returned to a caller always contains at least one procedure") holds.
func (r Runbook) HasProcedures() bool { return len(r.Procedures) > 0 }

// Health is the result of an adapter's self-check. It never represents a
// Go error: adapters translate failures into Healthy=false + Detail.
type Health struct {
	Healthy bool
	Detail  string
	Checked time.Time
}

// Metadata summarizes an adapter's current state for list_sources/metadata().
type Metadata struct {
	Name            string
	Type            Type
	DocumentCount   int // -1 means "not measured"; callers must ignore it for arithmetic
	LastIndexed     time.Time
	AvgResponseTime time.Duration
	SuccessRate     float64
}
