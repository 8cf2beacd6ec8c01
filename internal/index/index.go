// Package index provides the multi-field fuzzy scoring used by every
// adapter's in-memory search, grounded on the teacher's internal/search
// package but reworked onto github.com/sahilm/fuzzy for real subsequence
// matching instead of the teacher's plain substring scan.
package index

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Weights assigns the relative importance of each field to the final
// match score, per spec.md §4.C5.
type Weights struct {
	Title             float64
	SearchableContent float64
	Content           float64
	PathOrURL         float64
	Tags              float64
}

// DefaultWeights mirrors spec.md §4.C5's field weighting.
var DefaultWeights = Weights{
	Title:             0.3,
	SearchableContent: 0.5,
	Content:           0.2,
	PathOrURL:         0.1,
	Tags:              0.3,
}

// MinMatchLength and Threshold bound what counts as a plausible match:
// queries shorter than MinMatchLength are only ever matched by the
// substring fallback, and any weighted score under Threshold is dropped.
const (
	MinMatchLength = 2
	Threshold      = 0.4
	distanceBudget = 200
)

// Document is the subset of fields the index scores against. Callers
// project their own document/runbook shapes into this before indexing.
type Document struct {
	ID                string
	Title             string
	SearchableContent string
	Content           string
	PathOrURL         string
	Tags              []string
}

// Match is a scored Document.
type Match struct {
	Document
	Score        float64
	MatchReasons []string
}

// Index is a simple in-memory corpus scored field-by-field on every
// query. It favors rebuild-on-refresh simplicity (as the teacher's
// search index does) over incremental updates, matching spec.md's
// "rebuild on RefreshIndex" model.
type Index struct {
	docs      []Document
	weights   Weights
	threshold float64
}

// New builds an Index over docs using DefaultWeights and the package
// Threshold.
func New(docs []Document) *Index {
	return &Index{docs: docs, weights: DefaultWeights, threshold: Threshold}
}

// WithWeights overrides the field weighting.
func (idx *Index) WithWeights(w Weights) *Index {
	idx.weights = w
	return idx
}

// WithThreshold overrides the minimum score a fuzzy match must clear, per
// spec.md §4.C7c's higher bar for forge's larger corpus.
func (idx *Index) WithThreshold(t float64) *Index {
	idx.threshold = t
	return idx
}

// Search scores every document against query and returns matches at or
// above Threshold, sorted by descending score then stable by original
// order (callers impose the final (source_priority, id) tiebreak, see
// internal/registry).
func (idx *Index) Search(query string, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" || len(idx.docs) == 0 {
		return nil
	}

	out := make([]Match, 0, len(idx.docs))
	for _, d := range idx.docs {
		score, reasons := idx.score(query, d)
		if score < idx.threshold {
			continue
		}
		out = append(out, Match{Document: d, Score: score, MatchReasons: reasons})
	}

	if len(out) == 0 {
		out = idx.substringFallback(query)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// substringFallbackScore is the fixed confidence assigned to matches
// found only by the plain substring scan below Threshold, per spec.md
// §4.C5's "when fuzzy matching yields no hits, fall back to a plain
// case-insensitive substring scan at a fixed low confidence" rule.
const substringFallbackScore = 0.15

// substringFallback scans every field directly for query as a
// case-insensitive substring. It only runs when scored fuzzy matching
// produced zero results, so a query that fuzzy-matches poorly but still
// surfaces something is never silently replaced by this weaker path.
func (idx *Index) substringFallback(query string) []Match {
	q := strings.ToLower(query)
	var out []Match
	for _, d := range idx.docs {
		fields := []struct {
			value string
			label string
		}{
			{d.Title, "title"},
			{d.SearchableContent, "searchable_content"},
			{d.Content, "content"},
			{d.PathOrURL, "path"},
			{strings.Join(d.Tags, " "), "tags"},
		}
		var reasons []string
		for _, f := range fields {
			if f.value != "" && strings.Contains(strings.ToLower(f.value), q) {
				reasons = append(reasons, f.label+":substring")
			}
		}
		if len(reasons) == 0 {
			continue
		}
		out = append(out, Match{Document: d, Score: substringFallbackScore, MatchReasons: reasons})
	}
	return out
}

func (idx *Index) score(query string, d Document) (float64, []string) {
	var total float64
	var reasons []string

	weighted := func(field, label string, weight float64) {
		if field == "" || weight == 0 {
			return
		}
		s := fieldScore(query, field)
		if s <= 0 {
			return
		}
		total += s * weight
		reasons = append(reasons, label)
	}

	weighted(d.Title, "title", idx.weights.Title)
	weighted(d.SearchableContent, "searchable_content", idx.weights.SearchableContent)
	weighted(d.Content, "content", idx.weights.Content)
	weighted(d.PathOrURL, "path", idx.weights.PathOrURL)
	weighted(strings.Join(d.Tags, " "), "tags", idx.weights.Tags)

	return total, reasons
}

// fieldScore runs sahilm/fuzzy against a single field and normalizes its
// score into [0,1], falling back to a fixed low-confidence substring
// match when the query is too short for fuzzy.Find to consider (it
// requires the source string to contain the pattern's runes in order,
// which degenerates for 1-character queries) or when fuzzy finds
// nothing but a plain substring is present.
func fieldScore(query, field string) float64 {
	if len(query) < MinMatchLength {
		if strings.Contains(strings.ToLower(field), strings.ToLower(query)) {
			return 0.5
		}
		return 0
	}

	matches := fuzzy.Find(query, []string{field})
	if len(matches) == 0 {
		if strings.Contains(strings.ToLower(field), strings.ToLower(query)) {
			return 0.5
		}
		return 0
	}
	m := matches[0]
	norm := normalizeFuzzyScore(m.Score, len(query), len(field))
	if norm <= 0 {
		return 0
	}
	return norm
}

// normalizeFuzzyScore maps sahilm/fuzzy's unbounded integer score
// (roughly proportional to match length, penalized by gaps) to [0,1].
// A perfect contiguous match of the whole query scores near 1. The
// result depends only on raw and queryLen: fieldLen is clamped but not
// used, so neither the field's length nor how far the matched runes are
// spread discards a match.
func normalizeFuzzyScore(raw, queryLen, fieldLen int) float64 {
	if fieldLen > distanceBudget*4 {
		fieldLen = distanceBudget * 4
	}
	if raw <= 0 {
		return 0
	}
	maxPossible := queryLen*2 + 1 // sahilm/fuzzy awards ~2 per consecutive matched rune
	norm := float64(raw) / float64(maxPossible)
	if norm > 1 {
		norm = 1
	}
	return norm
}
