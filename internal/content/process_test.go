package content

import (
	"strings"
	"testing"

	"github.com/hyperifyio/runbookd/internal/source"
)

func TestProcess_Markdown_TitleFromFirstHeading(t *testing.T) {
	raw := []byte("# Disk Full Runbook\n\nStep 1: check disk usage.\n- free up /var/log\n- restart the agent\n")
	p, err := Process(raw, "", "text/markdown", "runbooks/disk-full.md", "disk-full.md")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Title != "Disk Full Runbook" {
		t.Fatalf("title = %q", p.Title)
	}
	if !strings.Contains(p.SearchableContent, "Disk Full Runbook") {
		t.Fatalf("searchable content missing heading: %q", p.SearchableContent)
	}
	if !strings.Contains(p.SearchableContent, "free up /var/log") {
		t.Fatalf("searchable content missing list item: %q", p.SearchableContent)
	}
}

func TestProcess_FrontMatterExtracted(t *testing.T) {
	raw := []byte("---\ntitle: Override Title\nauthor: oncall-team\ntags: [\"incident\", \"db\"]\n---\n# Body heading\ncontent here\n")
	p, err := Process(raw, "", "", "doc.md", "doc.md")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Title != "Override Title" {
		t.Fatalf("expected front-matter title to win, got %q", p.Title)
	}
	if p.Metadata["author"] != "oncall-team" {
		t.Fatalf("expected author metadata, got %v", p.Metadata["author"])
	}
}

func TestProcess_HTML_PreservesMacroMarkers(t *testing.T) {
	raw := []byte(`<html><head><title>Page</title></head><body><main>
<ac:structured-macro ac:name="warning"><ac:rich-text-body><p>careful here</p></ac:rich-text-body></ac:structured-macro>
</main></body></html>`)
	p, err := Process(raw, FormatHTML, "text/html", "wiki/page", "page")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(p.Content, "[WARNING]") {
		t.Fatalf("expected warning marker in content: %q", p.Content)
	}
	if !strings.Contains(p.Content, "careful here") {
		t.Fatalf("expected macro body preserved: %q", p.Content)
	}
}

func TestProcess_JSON_Flattened(t *testing.T) {
	raw := []byte(`{"title":"Escalation","steps":["page oncall","open incident"]}`)
	p, err := Process(raw, FormatJSON, "application/json", "api/doc.json", "doc.json")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if p.Metadata["parsed"] == nil {
		t.Fatalf("expected parsed structured metadata")
	}
	if p.Title != "doc.json" {
		t.Fatalf("expected fallback title, got %q", p.Title)
	}
}

func TestProcess_OversizedPayloadRejected(t *testing.T) {
	raw := make([]byte, DefaultMaxPayloadBytes+1)
	_, err := Process(raw, FormatText, "", "big.txt", "big.txt")
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
	serr, ok := err.(*source.Error)
	if !ok || serr.Code != source.CodePayloadTooLarge {
		t.Fatalf("expected CodePayloadTooLarge, got %v", err)
	}
}

func TestDetectFormat_PrecedenceOrder(t *testing.T) {
	if f := DetectFormat(FormatYAML, "application/json", "doc.md", []byte("{}")); f != FormatYAML {
		t.Fatalf("hint should win, got %v", f)
	}
	if f := DetectFormat("", "application/json", "doc.md", []byte("{}")); f != FormatJSON {
		t.Fatalf("mime should win over extension, got %v", f)
	}
	if f := DetectFormat("", "", "doc.md", []byte("plain")); f != FormatMarkdown {
		t.Fatalf("extension should win over sniff, got %v", f)
	}
	if f := DetectFormat("", "", "doc", []byte(`{"a":1}`)); f != FormatJSON {
		t.Fatalf("sniff should detect json, got %v", f)
	}
}
