package index

import "testing"

func testDocs() []Document {
	return []Document{
		{ID: "1", Title: "Disk Full Runbook", SearchableContent: "disk usage cleanup steps", PathOrURL: "runbooks/disk-full.md", Tags: []string{"disk", "storage"}},
		{ID: "2", Title: "Database Failover", SearchableContent: "primary replica promote", PathOrURL: "runbooks/db-failover.md", Tags: []string{"database"}},
		{ID: "3", Title: "Unrelated Notes", SearchableContent: "lunch menu options", PathOrURL: "notes/lunch.md"},
	}
}

func TestIndex_Search_RanksRelevantFirst(t *testing.T) {
	idx := New(testDocs())
	matches := idx.Search("disk full", 10)
	if len(matches) == 0 {
		t.Fatalf("expected matches")
	}
	if matches[0].ID != "1" {
		t.Fatalf("expected disk runbook to rank first, got %q", matches[0].ID)
	}
}

func TestIndex_Search_EmptyQueryReturnsNothing(t *testing.T) {
	idx := New(testDocs())
	if m := idx.Search("", 10); m != nil {
		t.Fatalf("expected nil for empty query, got %v", m)
	}
}

func TestIndex_Search_RespectsLimit(t *testing.T) {
	idx := New(testDocs())
	matches := idx.Search("runbook database disk", 1)
	if len(matches) > 1 {
		t.Fatalf("expected at most 1 match, got %d", len(matches))
	}
}

func TestIndex_Search_SubstringFallbackWhenNoFuzzyHits(t *testing.T) {
	docs := []Document{
		// Content carries weight 0.2, so even a perfect fuzzy match there
		// stays under the default Threshold (0.4) and the fallback runs.
		{ID: "1", Title: "Zzz", Content: "xyzzyx-marker-token here"},
	}
	idx := New(docs)
	matches := idx.Search("marker", 10)
	if len(matches) != 1 {
		t.Fatalf("expected fallback to find 1 match, got %d", len(matches))
	}
	if matches[0].Score != substringFallbackScore {
		t.Fatalf("expected fallback score %v, got %v", substringFallbackScore, matches[0].Score)
	}
}

func TestIndex_WithWeights_ChangesRanking(t *testing.T) {
	docs := []Document{
		{ID: "title-match", Title: "incident response", SearchableContent: "irrelevant filler text"},
		{ID: "content-match", Title: "irrelevant", SearchableContent: "incident response steps here"},
	}
	idx := New(docs).WithWeights(Weights{Title: 1, SearchableContent: 0.01})
	matches := idx.Search("incident response", 10)
	if len(matches) == 0 || matches[0].ID != "title-match" {
		t.Fatalf("expected title-weighted doc to rank first, got %+v", matches)
	}
}

func TestNormalizeFuzzyScore_ClampsToOne(t *testing.T) {
	if got := normalizeFuzzyScore(1000, 3, 10); got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
	if got := normalizeFuzzyScore(0, 3, 10); got != 0 {
		t.Fatalf("expected 0 for non-positive raw score, got %v", got)
	}
}
