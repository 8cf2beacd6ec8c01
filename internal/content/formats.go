// Package content normalizes raw upstream payloads (markup, JSON, XML,
// plain text) into a canonical document with a distilled "searchable"
// projection, per spec.md §4.C4.
package content

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Format is the detected payload shape.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJSON     Format = "json"
	FormatXML      Format = "xml"
	FormatYAML     Format = "yaml"
	FormatText     Format = "text"
	FormatPDF      Format = "pdf"
)

// DefaultMaxPayloadBytes is the size cap from spec.md §4.C4 (10 MiB).
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

// DetectFormat applies the detection order from spec.md §4.C4: explicit
// hint, else MIME, else URL/extension, else sniff.
func DetectFormat(hint Format, mimeType string, urlOrPath string, raw []byte) Format {
	if hint != "" {
		return hint
	}
	if f, ok := fromMIME(mimeType); ok {
		return f
	}
	if f, ok := fromExtension(urlOrPath); ok {
		return f
	}
	return sniff(raw)
}

func fromMIME(mimeType string) (Format, bool) {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if semi := strings.IndexByte(m, ';'); semi >= 0 {
		m = m[:semi]
	}
	switch {
	case m == "":
		return "", false
	case strings.Contains(m, "html"):
		return FormatHTML, true
	case strings.Contains(m, "json"):
		return FormatJSON, true
	case strings.Contains(m, "xml"):
		return FormatXML, true
	case strings.Contains(m, "yaml") || strings.Contains(m, "x-yaml"):
		return FormatYAML, true
	case strings.Contains(m, "markdown"):
		return FormatMarkdown, true
	case strings.Contains(m, "pdf"):
		return FormatPDF, true
	case strings.HasPrefix(m, "text/"):
		return FormatText, true
	default:
		return "", false
	}
}

func fromExtension(urlOrPath string) (Format, bool) {
	lower := strings.ToLower(urlOrPath)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown"):
		return FormatMarkdown, true
	case strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm"):
		return FormatHTML, true
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, true
	case strings.HasSuffix(lower, ".xml"):
		return FormatXML, true
	case strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml"):
		return FormatYAML, true
	case strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".rst") || strings.HasSuffix(lower, ".adoc"):
		return FormatText, true
	case strings.HasSuffix(lower, ".pdf"):
		return FormatPDF, true
	default:
		return "", false
	}
}

// sniff falls back to magic-byte/content inspection when neither a hint,
// MIME type, nor extension pinned down the format.
func sniff(raw []byte) Format {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return FormatText
	}
	if bytes.HasPrefix(trimmed, []byte("%PDF-")) {
		return FormatPDF
	}
	if json.Valid(trimmed) && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return FormatXML
	}
	lowerHead := bytes.ToLower(trimmed[:min(len(trimmed), 256)])
	if bytes.Contains(lowerHead, []byte("<html")) || bytes.Contains(lowerHead, []byte("<!doctype html")) {
		return FormatHTML
	}
	if trimmed[0] == '<' {
		return FormatXML
	}
	return FormatText
}
