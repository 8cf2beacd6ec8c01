package content

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// flattenJSONKeys walks a decoded JSON/YAML value and returns
// "key: value" lines for string, number and bool leaves down to
// depth<=3, per spec.md
// §4.C4's searchable-projection rule for structured payloads.
func flattenJSONKeys(v any, prefix string, depth int, out *[]string) {
	if depth > 3 {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenJSONKeys(t[k], key, depth+1, out)
		}
	case map[any]any: // yaml.v2-style maps can surface here via yaml.v3 in rare shapes
		for k, val := range t {
			key := fmt.Sprintf("%v", k)
			if prefix != "" {
				key = prefix + "." + key
			}
			flattenJSONKeys(val, key, depth+1, out)
		}
	case []any:
		for _, item := range t {
			flattenJSONKeys(item, prefix, depth+1, out)
		}
	case string:
		if strings.TrimSpace(t) != "" {
			*out = append(*out, prefix+": "+t)
		}
	case float64, int, int64, bool:
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, t))
	}
}

// structuredProjection parses raw as JSON (or, for YAML-like text, as
// YAML) and returns flattened key/value lines plus the decoded tree for
// Metadata. ok is false when raw does not parse as the requested shape.
func structuredProjection(raw []byte, format Format) (lines []string, tree any, ok bool) {
	switch format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, nil, false
		}
		flattenJSONKeys(v, "", 0, &lines)
		return lines, v, true
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return nil, nil, false
		}
		lines = append(lines, topLevelYAMLLines(v)...)
		return lines, v, true
	default:
		return nil, nil, false
	}
}

// topLevelYAMLLines implements "for YAML-like text, top-level keys and
// values" — a shallower, one-level-only variant of the JSON flattener.
func topLevelYAMLLines(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s: %v", k, m[k]))
	}
	return out
}

// xmlToText is a minimal, dependency-free fallback that strips tags
// when the generic HTTP adapter's richer XPath extraction (see
// internal/source/httpsource) is not in play — e.g. when the filesystem
// or wiki adapters encounter a bare XML payload.
func xmlToText(raw []byte) string {
	var b strings.Builder
	inTag := false
	for _, r := range string(raw) {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return normalizeWhitespace(b.String())
}
