package runbook

import (
	"testing"
	"time"

	"github.com/hyperifyio/runbookd/internal/source"
)

func TestIsLikelyRunbook_PositiveAndNegative(t *testing.T) {
	runbookDoc := source.Document{
		Title:             "Disk Full Runbook",
		SearchableContent: "runbook step 1 remediation mitigation",
		Content:           "1. check disk\n2. clear logs\n3. restart service",
	}
	if !IsLikelyRunbook(runbookDoc) {
		t.Fatalf("expected runbook-shaped doc to pass")
	}

	designDoc := source.Document{
		Title:             "Design Doc: storage layer",
		SearchableContent: "design doc rfc proposal",
		Content:           "This document proposes a new architecture.",
	}
	if IsLikelyRunbook(designDoc) {
		t.Fatalf("expected design doc to fail predicate")
	}
}

func TestIsLikelyRunbook_HallucinationGuard(t *testing.T) {
	doc := source.Document{
		Title:             "Runbook (fake runbook, do not use)",
		SearchableContent: "runbook test runbook only do not use",
		Content:           "This is a placeholder with no real steps.",
	}
	if IsLikelyRunbook(doc) {
		t.Fatalf("expected hallucination guard to suppress a document explicitly marked fake")
	}
}

func TestExtract_NumberedSteps(t *testing.T) {
	doc := source.Document{
		ID:      "doc-1",
		Title:   "Restart Service",
		Content: "Restart the failing service.\n\n1. Check process status\n2. Run systemctl restart\n3. Verify health endpoint\n\nEscalate to the platform team if unresolved.",
	}
	rb := Extract(doc)
	if len(rb.Procedures) != 3 {
		t.Fatalf("expected 3 procedures, got %d: %+v", len(rb.Procedures), rb.Procedures)
	}
	if rb.Procedures[0].Description != "Check process status" {
		t.Fatalf("unexpected first step: %q", rb.Procedures[0].Description)
	}
	if rb.EscalationPath == "" {
		t.Fatalf("expected escalation path to be detected")
	}
}

func TestExtract_CapsStepsAtMax(t *testing.T) {
	content := "Intro paragraph.\n\n"
	for i := 1; i <= 20; i++ {
		content += "- do thing number " + string(rune('a'+i%26)) + "\n"
	}
	doc := source.Document{ID: "doc-2", Content: content}
	rb := Extract(doc)
	if len(rb.Procedures) != maxSteps {
		t.Fatalf("expected capped at %d steps, got %d", maxSteps, len(rb.Procedures))
	}
}

func TestExtract_DecisionTreeFromConditionalSteps(t *testing.T) {
	doc := source.Document{
		ID: "doc-3",
		Content: "Triage steps.\n\n" +
			"1. If CPU usage exceeds 90%, scale out the pool\n" +
			"2. Restart the affected node\n" +
			"3. When memory pressure persists, failover to standby\n",
	}
	rb := Extract(doc)
	if len(rb.DecisionTree.Branches) != 2 {
		t.Fatalf("expected 2 conditional branches, got %d: %+v", len(rb.DecisionTree.Branches), rb.DecisionTree.Branches)
	}
	if rb.DecisionTree.DefaultAction == "" {
		t.Fatalf("expected a default action from the non-conditional step")
	}
}

func TestRelevanceScore_ClampedToOne(t *testing.T) {
	doc := source.Document{
		Title:             "disk-full alert",
		SearchableContent: "disk-full critical database api systems",
		LastModified:      time.Now(),
	}
	rb := source.Runbook{Procedures: []source.Procedure{{ID: "1"}}, EscalationPath: "page oncall"}
	score := RelevanceScore(doc, rb, "disk-full", "critical", []string{"database", "api"})
	if score > 1 || score < 0 {
		t.Fatalf("score out of bounds: %v", score)
	}
	if score != 1 {
		t.Fatalf("expected clamp to 1 given every bonus applies, got %v", score)
	}
}

func TestRelevanceScore_BaseScoreForUnrelatedDoc(t *testing.T) {
	doc := source.Document{Title: "lunch menu", SearchableContent: "pizza tacos"}
	rb := source.Runbook{}
	score := RelevanceScore(doc, rb, "disk-full", "critical", []string{"database"})
	if score != 0.3 {
		t.Fatalf("expected the spec's 0.3 base score for a completely unrelated doc, got %v", score)
	}
}

func TestRelevanceScore_MemoryLeakRunbookMeetsConfidenceFloor(t *testing.T) {
	doc := source.Document{
		Title:             "Memory Leak Recovery",
		SearchableContent: "memory leak recovery runbook steps to restart the leaking service",
	}
	rb := source.Runbook{Procedures: []source.Procedure{{ID: "1"}}}
	score := RelevanceScore(doc, rb, "memory_leak", "warning", nil)
	if score < 0.6 {
		t.Fatalf("expected confidence_score >= 0.6 for a title-matching memory-leak runbook, got %v", score)
	}
}

func TestRelevanceScore_TriggerAndSeverityMappingBonuses(t *testing.T) {
	doc := source.Document{Title: "Disk Full", SearchableContent: "disk full"}
	rb := source.Runbook{
		Triggers:        []string{"disk_full"},
		SeverityMapping: map[string]string{"critical": "P1"},
	}
	withBonuses := RelevanceScore(doc, rb, "disk_full", "critical", nil)
	withoutBonuses := RelevanceScore(doc, source.Runbook{}, "disk_full", "critical", nil)
	if withBonuses <= withoutBonuses {
		t.Fatalf("expected trigger + severity_mapping bonuses to raise the score: with=%v without=%v", withBonuses, withoutBonuses)
	}
}
