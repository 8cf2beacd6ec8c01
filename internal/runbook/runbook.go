// Package runbook extracts structured runbooks out of raw documents and
// scores their relevance to an incoming alert, per spec.md §4.C9. It has
// no direct teacher analogue (the teacher never scores "runbook-ness");
// the scoring model is grounded on the teacher's internal/select package,
// which ranks fetched pages by a weighted, additive-then-clamped formula
// before handing them to the brief writer.
package runbook

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/hyperifyio/runbookd/internal/source"
)

// ExtractAndScore turns docs that look like runbooks into source.Runbook
// values and ranks them against the given alert context. Documents that
// fail IsLikelyRunbook are skipped entirely.
func ExtractAndScore(docs []source.Document, alertType, severity string, systems []string) []source.Runbook {
	out := make([]source.Runbook, 0, len(docs))
	for _, d := range docs {
		if !IsLikelyRunbook(d) {
			continue
		}
		rb := Extract(d)
		rb.Metadata.ConfidenceScore = RelevanceScore(d, rb, alertType, severity, systems)
		out = append(out, rb)
	}
	return out
}

var (
	numberedStepRe = regexp.MustCompile(`(?m)^\s*(\d+)[.)]\s+(.+)$`)
	bulletStepRe   = regexp.MustCompile(`(?m)^\s*[-*]\s+(.+)$`)
	namedStepRe    = regexp.MustCompile(`(?mi)^\s*step\s+(\d+)\s*[:.\-]?\s*(.+)$`)
	escalationRe   = regexp.MustCompile(`(?mi)escalat\w*[^.\n]*`)
	maxSteps       = 10
)

// positiveSignals and negativeSignals drive IsLikelyRunbook: each hit on
// a positive phrase raises the odds a document is operational guidance
// rather than reference material; each hit on a negative phrase lowers
// it. Weights are summed and compared against the fixed threshold in
// IsLikelyRunbook.
var positiveSignals = map[string]float64{
	"runbook":       2.0,
	"playbook":      2.0,
	"remediation":   1.5,
	"troubleshoot":  1.2,
	"step 1":        1.5,
	"escalat":       1.0,
	"on-call":       0.8,
	"rollback":      0.8,
	"mitigation":    1.0,
}

var negativeSignals = map[string]float64{
	"design doc":       -1.5,
	"rfc":               -1.0,
	"meeting notes":     -2.0,
	"changelog":         -1.0,
	"nonexistent":       -3.0,
	"fake runbook":      -3.0,
	"test runbook only": -3.0,
	"do not use":        -2.5,
}

// IsLikelyRunbook applies the positive/negative signal weighting from
// spec.md §4.C9's runbook-likelihood predicate, including the
// hallucination guard that suppresses documents explicitly marked as
// fake or nonexistent even when they otherwise read as operational.
func IsLikelyRunbook(d source.Document) bool {
	text := strings.ToLower(d.Title + "\n" + d.SearchableContent)
	var score float64
	for phrase, w := range positiveSignals {
		if strings.Contains(text, phrase) {
			score += w
		}
	}
	for phrase, w := range negativeSignals {
		if strings.Contains(text, phrase) {
			score += w
		}
	}
	if hasNumberedSteps(d.Content) {
		score += 1.0
	}
	return score >= 1.5
}

func hasNumberedSteps(text string) bool {
	return len(numberedStepRe.FindAllString(text, 3)) >= 2 || len(namedStepRe.FindAllString(text, 3)) >= 2
}

// Extract builds a source.Runbook out of a document, preferring a
// structured shape (explicit "Step N" or numbered-list markup) over a
// synthesized one (best-effort line scanning when no clear step markers
// exist).
func Extract(d source.Document) source.Runbook {
	steps := extractSteps(d.Content)
	escalation := firstMatch(escalationRe, d.Content)

	procs := make([]source.Procedure, 0, len(steps))
	for i, s := range steps {
		procs = append(procs, source.Procedure{
			ID:          d.ID + "#step" + strconv.Itoa(i+1),
			Name:        "Step " + strconv.Itoa(i+1),
			Description: s,
		})
	}

	return source.Runbook{
		ID:              d.ID,
		Title:           d.Title,
		Description:     firstParagraph(d.Content),
		Triggers:        extractTriggers(d),
		SeverityMapping: extractSeverityMapping(d),
		DecisionTree:    buildDecisionTree(d.ID, steps),
		Procedures:      procs,
		EscalationPath:  escalation,
		Metadata: source.RunbookMetadata{
			UpdatedAt: d.LastModified,
		},
	}
}

// extractTriggers reads a declared trigger list out of the document's
// structured metadata (front-matter "triggers" or a parsed JSON/YAML
// "triggers" array), the way a hand-authored runbook would declare the
// alert types it answers.
func extractTriggers(d source.Document) []string {
	if v, ok := d.Metadata["triggers"].([]string); ok {
		return v
	}
	parsed, ok := d.Metadata["parsed"].(map[string]any)
	if !ok {
		return nil
	}
	arr, ok := parsed["triggers"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// extractSeverityMapping reads a declared severity→normalized-severity
// mapping out of a parsed JSON/YAML document, per spec.md §3's Runbook
// shape.
func extractSeverityMapping(d source.Document) map[string]string {
	parsed, ok := d.Metadata["parsed"].(map[string]any)
	if !ok {
		return nil
	}
	sm, ok := parsed["severity_mapping"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(sm))
	for k, v := range sm {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

var conditionalStepRe = regexp.MustCompile(`(?i)^(if|when|unless)\b`)

// buildDecisionTree synthesizes a minimal decision tree out of a
// runbook's steps: any step phrased as a condition ("if ...", "when
// ...") becomes a branch; the first non-conditional step becomes the
// default action. Documents with no conditional phrasing get a single
// default-action tree, which is still useful for get_decision_tree
// callers expecting a consistent shape.
func buildDecisionTree(id string, steps []string) source.DecisionTree {
	tree := source.DecisionTree{ID: id + "#decision", Name: "Decision tree"}
	for i, s := range steps {
		if conditionalStepRe.MatchString(s) {
			tree.Branches = append(tree.Branches, source.Branch{
				ID:          id + "#branch" + strconv.Itoa(i+1),
				Condition:   s,
				Description: s,
				Action:      s,
				Confidence:  0.5,
			})
		} else if tree.DefaultAction == "" {
			tree.DefaultAction = s
		}
	}
	return tree
}

func extractSteps(text string) []string {
	if m := namedStepRe.FindAllStringSubmatch(text, -1); len(m) >= 2 {
		return capSteps(stepBodies(m))
	}
	if m := numberedStepRe.FindAllStringSubmatch(text, -1); len(m) >= 2 {
		return capSteps(stepBodies(m))
	}
	if m := bulletStepRe.FindAllStringSubmatch(text, -1); len(m) >= 2 {
		out := make([]string, 0, len(m))
		for _, g := range m {
			out = append(out, strings.TrimSpace(g[1]))
		}
		return capSteps(out)
	}
	return synthesizeSteps(text)
}

func stepBodies(matches [][]string) []string {
	out := make([]string, 0, len(matches))
	for _, g := range matches {
		out = append(out, strings.TrimSpace(g[len(g)-1]))
	}
	return out
}

func capSteps(steps []string) []string {
	if len(steps) > maxSteps {
		return steps[:maxSteps]
	}
	return steps
}

// synthesizeSteps is the line-scanning fallback for documents with no
// clear step markup: every non-empty line that is not a "#" heading,
// the first paragraph included, is treated as one step, up to maxSteps.
func synthesizeSteps(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
		if len(out) >= maxSteps {
			break
		}
	}
	return out
}

func firstParagraph(text string) string {
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" && !strings.HasPrefix(p, "#") {
			return p
		}
	}
	return ""
}

func firstMatch(re *regexp.Regexp, text string) string {
	m := re.FindString(text)
	return strings.TrimSpace(m)
}

// Per-unit bonuses and their caps for the per-system and per-trigger
// terms in spec.md §4.C9's "Relevance vs alert" formula.
const (
	perSystemBonus  = 0.1
	maxSystemBonus  = 0.2
	perTriggerBonus = 0.05
	maxTriggerBonus = 0.1
)

// RelevanceScore implements spec.md §4.C9's "Relevance vs alert" formula
// exactly: start at 0.3, add a title match, a content mention, a
// severity mention, a per-affected-system bonus (capped), a
// severity_mapping-key bonus, and a per-matching-trigger bonus (capped),
// then clamp to [0,1].
func RelevanceScore(d source.Document, rb source.Runbook, alertType, severity string, systems []string) float64 {
	score := 0.3

	titleLower := strings.ToLower(d.Title)
	contentLower := strings.ToLower(d.SearchableContent)
	alertLower := strings.ToLower(strings.ReplaceAll(alertType, "_", " "))
	severityLower := strings.ToLower(severity)

	if alertLower != "" {
		if strings.Contains(titleLower, alertLower) {
			score += 0.4
		}
		if strings.Contains(contentLower, alertLower) {
			score += 0.1
		}
	}
	if severityLower != "" && strings.Contains(contentLower, severityLower) {
		score += 0.1
	}

	var systemBonus float64
	for _, sys := range systems {
		sys = strings.ToLower(strings.TrimSpace(sys))
		if sys == "" {
			continue
		}
		if strings.Contains(titleLower, sys) || strings.Contains(contentLower, sys) {
			systemBonus += perSystemBonus
		}
	}
	if systemBonus > maxSystemBonus {
		systemBonus = maxSystemBonus
	}
	score += systemBonus

	if severity != "" {
		if _, ok := rb.SeverityMapping[severity]; ok {
			score += 0.1
		}
	}

	var triggerBonus float64
	for _, trig := range rb.Triggers {
		if strings.EqualFold(strings.ReplaceAll(trig, "_", " "), alertLower) {
			triggerBonus += perTriggerBonus
		}
	}
	if triggerBonus > maxTriggerBonus {
		triggerBonus = maxTriggerBonus
	}
	score += triggerBonus

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
