package content

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/adrg/frontmatter"
	"github.com/ledongthuc/pdf"

	"github.com/hyperifyio/runbookd/internal/source"
)

// Processed is the (title, content, searchable_content, metadata) tuple
// spec.md §4.C4 requires every adapter to produce.
type Processed struct {
	Title             string
	Content           string
	SearchableContent string
	Metadata          map[string]any
}

// FrontMatter is the subset of front-matter fields spec.md calls out
// ("front-matter (author, tags) when present").
type FrontMatter struct {
	Title string   `yaml:"title"`
	Author string  `yaml:"author"`
	Tags  []string `yaml:"tags"`
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
var listItemRe = regexp.MustCompile(`(?m)^\s*(?:[-*]|\d+\.)\s+(.+)$`)

// Process normalizes raw into a Processed document. hint, when non-empty,
// overrides format auto-detection (the adapter-configured "explicit
// hint" from spec.md §4.C4). titleFallback is used when no better title
// can be derived (e.g. the file name, or an HTTP endpoint's configured
// name).
func Process(raw []byte, hint Format, mimeType, urlOrPath, titleFallback string) (Processed, error) {
	if len(raw) > DefaultMaxPayloadBytes {
		return Processed{}, source.NewError(source.CodePayloadTooLarge, urlOrPath, nil)
	}

	format := DetectFormat(hint, mimeType, urlOrPath, raw)

	// Front matter applies to markdown/text payloads fenced by `---`.
	body := raw
	meta := map[string]any{}
	if format == FormatMarkdown || format == FormatText {
		var fm FrontMatter
		rest, err := frontmatter.Parse(strings.NewReader(string(raw)), &fm)
		if err == nil && len(rest) != len(raw) {
			body = rest
			if fm.Author != "" {
				meta["author"] = fm.Author
			}
			if len(fm.Tags) > 0 {
				meta["tags"] = fm.Tags
			}
			if fm.Title != "" {
				meta["front_matter_title"] = fm.Title
			}
		}
	}

	var title, text string
	var searchable []string

	switch format {
	case FormatHTML:
		doc := fromHTML(body)
		title, text = doc.Title, doc.Text
		searchable = append(searchable, headingsOf(text)...)
		searchable = append(searchable, listItemsOf(text)...)
	case FormatJSON, FormatYAML:
		lines, tree, ok := structuredProjection(body, format)
		if ok {
			meta["parsed"] = tree
			searchable = append(searchable, lines...)
		}
		text = string(body)
		title = titleFallback
	case FormatXML:
		text = xmlToText(body)
		title = titleFallback
		searchable = append(searchable, headingsOf(text)...)
	case FormatPDF:
		extracted, err := extractPDFText(body)
		if err != nil {
			return Processed{}, source.NewError(source.CodeParse, urlOrPath, err)
		}
		text = extracted
		title = firstHeadingOr(text, titleFallback)
		searchable = append(searchable, headingsOf(text)...)
		searchable = append(searchable, listItemsOf(text)...)
	default: // markdown, text
		text = string(body)
		title = firstHeadingOr(text, titleFallback)
		searchable = append(searchable, headingsOf(text)...)
		searchable = append(searchable, listItemsOf(text)...)
	}

	if title == "" {
		title = titleFallback
	}
	if fmTitle, ok := meta["front_matter_title"].(string); ok && fmTitle != "" {
		title = fmTitle
	}

	searchable = append(searchable, firstKiB(text))
	proc := Processed{
		Title:             strings.TrimSpace(title),
		Content:           text,
		SearchableContent: strings.Join(dedupeNonEmpty(searchable), "\n"),
		Metadata:          meta,
	}
	return proc, nil
}

// extractPDFText pulls the text layer out of a PDF payload, per spec.md
// §4.C7a's requirement to index PDF documents rather than skip them.
// Scanned/image-only PDFs with no text layer yield an empty string, which
// callers treat the same as any other near-empty document.
func extractPDFText(raw []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func firstHeadingOr(text, fallback string) string {
	if m := headingRe.FindStringSubmatch(text); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return fallback
}

func headingsOf(text string) []string {
	matches := headingRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func listItemsOf(text string) []string {
	matches := listItemRe.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func firstKiB(text string) string {
	const cap = 1024
	if len(text) <= cap {
		return text
	}
	return text[:cap]
}

func dedupeNonEmpty(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
