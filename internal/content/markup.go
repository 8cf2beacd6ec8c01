package content

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// markupDoc is the intermediate result of stripping and flattening an
// HTML/wiki-macro document, grounded on the teacher's
// internal/extract.FromHTML walker.
type markupDoc struct {
	Title string
	Text  string
}

// macroMarkers maps provider-specific macro names to the bracketed
// marker spec.md §4.C4 requires ("Provider-specific macro blocks
// (info/warning/note/tip/code/expand) are tagged with bracketed markers
// ... not dropped").
var macroMarkers = map[string]string{
	"info":    "[INFO]",
	"note":    "[INFO]",
	"warning": "[WARNING]",
	"tip":     "[TIP]",
	"expand":  "[EXPAND]",
}

func fromHTML(input []byte) markupDoc {
	node, err := html.Parse(bytes.NewReader(input))
	if err != nil || node == nil {
		return markupDoc{}
	}
	title := strings.TrimSpace(findTitle(node))
	content := findFirst(node, "main")
	if content == nil {
		content = findFirst(node, "article")
	}
	if content == nil {
		content = findFirst(node, "body")
	}
	var b strings.Builder
	if content != nil {
		collectText(&b, content, false)
	}
	return markupDoc{Title: title, Text: normalizeWhitespace(b.String())}
}

func findTitle(n *html.Node) string {
	head := findFirst(n, "head")
	if head == nil {
		return ""
	}
	t := findFirst(head, "title")
	if t == nil || t.FirstChild == nil {
		return ""
	}
	return t.FirstChild.Data
}

func findFirst(n *html.Node, tag string) *html.Node {
	var res *html.Node
	var dfs func(*html.Node)
	dfs = func(cur *html.Node) {
		if res != nil {
			return
		}
		if cur.Type == html.ElementNode && strings.EqualFold(cur.Data, tag) {
			res = cur
			return
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			dfs(c)
			if res != nil {
				return
			}
		}
	}
	dfs(n)
	return res
}

// isMacroNode recognizes Confluence-style structured macros, e.g.
// <ac:structured-macro ac:name="warning">...<ac:rich-text-body>...
func isMacroNode(n *html.Node) (marker string, ok bool) {
	if n == nil || n.Type != html.ElementNode {
		return "", false
	}
	name := strings.ToLower(n.Data)
	if !strings.Contains(name, "structured-macro") {
		return "", false
	}
	for _, attr := range n.Attr {
		if strings.EqualFold(attr.Key, "ac:name") || strings.EqualFold(attr.Key, "name") {
			if m, ok := macroMarkers[strings.ToLower(attr.Val)]; ok {
				return m, true
			}
			return "[" + strings.ToUpper(attr.Val) + "]", true
		}
	}
	return "", false
}

func collectText(b *strings.Builder, n *html.Node, inPre bool) {
	if n.Type == html.ElementNode {
		if isBoilerplateContainer(n) {
			return
		}
		if marker, ok := isMacroNode(n); ok {
			b.WriteString("\n" + marker + " ")
			body := findFirst(n, "ac:rich-text-body")
			if body == nil {
				body = n
			}
			collectText(b, body, inPre)
			b.WriteString("\n")
			return
		}
		name := strings.ToLower(n.Data)
		switch name {
		case "script", "style", "noscript", "nav", "footer", "aside", "iframe":
			return
		case "pre", "code":
			inPre = true
		case "br", "hr":
			b.WriteString("\n")
		case "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n" + headingPrefix(name) + " ")
		case "p":
			b.WriteString("\n")
		case "ul", "ol":
			b.WriteString("\n")
		case "li":
			b.WriteString("\n" + listItemMarker(n))
		}
	}

	switch n.Type {
	case html.TextNode:
		data := n.Data
		if !inPre {
			data = strings.ReplaceAll(data, "\t", " ")
			data = strings.ReplaceAll(data, "\r", " ")
		}
		if n.Parent != nil && n.Parent.Type == html.ElementNode && strings.EqualFold(n.Parent.Data, "code") && !inPre {
			b.WriteString("`" + data + "`")
		} else {
			b.WriteString(data)
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c, inPre)
	}

	if n.Type == html.ElementNode {
		name := strings.ToLower(n.Data)
		switch name {
		case "p", "h1", "h2", "h3", "h4", "h5", "h6":
			b.WriteString("\n\n")
		case "li":
			b.WriteString("\n")
		case "pre":
			inPre = false
			b.WriteString("\n```\n")
		case "code":
			inPre = false
		}
	}
}

// listItemMarker returns the bullet prefix for an <li>, per spec.md §4.C4
// ("ordered/unordered lists to bullet lines"): "- " under <ul>, "N. " under
// <ol> where N is the item's 1-based position among its <li> siblings.
func listItemMarker(li *html.Node) string {
	if li.Parent == nil || !strings.EqualFold(li.Parent.Data, "ol") {
		return "- "
	}
	idx := 1
	for s := li.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && strings.EqualFold(s.Data, "li") {
			idx++
		}
	}
	return fmt.Sprintf("%d. ", idx)
}

func headingPrefix(tag string) string {
	switch tag {
	case "h1":
		return "#"
	case "h2":
		return "##"
	case "h3":
		return "###"
	case "h4":
		return "####"
	case "h5":
		return "#####"
	default:
		return "######"
	}
}

func isBoilerplateContainer(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if key != "id" && key != "class" && !strings.HasPrefix(key, "data-") && key != "aria-label" && key != "role" {
			continue
		}
		val := strings.ToLower(attr.Val)
		if containsAny(val, []string{"cookie", "consent", "gdpr", "cookie-banner", "cookiebar", "consent-banner", "consent-manager"}) {
			return true
		}
	}
	return false
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(out) > 0 && out[len(out)-1] == "" {
				continue
			}
			out = append(out, "")
			continue
		}
		out = append(out, collapseSpaces(trimmed))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return b.String()
}
