package toolsurface

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperifyio/runbookd/internal/feedback"
	"github.com/hyperifyio/runbookd/internal/registry"
	"github.com/hyperifyio/runbookd/internal/source"
)

// Engine is the narrow surface toolsurface needs from the rest of the
// service: the concrete *registry.Registry, the feedback store, and the
// per-query deadline the tool handlers pass to the registry.
type Engine struct {
	Registry     *registry.Registry
	Feedback     *feedback.Store
	QueryDeadline time.Duration
}

// RegisterAll installs the seven named tools spec.md §4 requires onto reg.
func RegisterAll(reg *Registry, eng *Engine) error {
	defs := []Definition{
		searchRunbooksTool(eng),
		getDecisionTreeTool(eng),
		getProcedureTool(eng),
		getEscalationPathTool(eng),
		listSourcesTool(eng),
		searchKnowledgeBaseTool(eng),
		recordResolutionFeedbackTool(eng),
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register %s: %w", d.StableName, err)
		}
	}
	return nil
}

func schema(props string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"object","properties":%s}`, props))
}

func searchRunbooksTool(eng *Engine) Definition {
	return Definition{
		StableName:  "search_runbooks",
		SemVer:      "v1.0.0",
		Description: "Find runbooks relevant to an alert type, severity, and affected systems",
		JSONSchema: schema(`{
			"alert_type": {"type": "string"},
			"severity": {"type": "string"},
			"systems": {"type": "array", "items": {"type": "string"}}
		}`),
		Capabilities: []string{"search", "runbooks"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				AlertType string   `json:"alert_type"`
				Severity  string   `json:"severity"`
				Systems   []string `json:"systems"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, source.NewError(source.CodeValidation, "search_runbooks: invalid arguments", err)
			}
			runbooks, errs := eng.Registry.SearchRunbooks(ctx, in.AlertType, in.Severity, in.Systems, eng.QueryDeadline)
			return json.Marshal(map[string]any{"runbooks": runbooks, "source_errors": errsToStrings(errs)})
		},
	}
}

func getDecisionTreeTool(eng *Engine) Definition {
	return Definition{
		StableName:  "get_decision_tree",
		SemVer:      "v1.0.0",
		Description: "Retrieve the decision tree for a specific runbook by ID",
		JSONSchema:  schema(`{"runbook_id": {"type": "string"}}`),
		Capabilities: []string{"runbooks"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				RunbookID string `json:"runbook_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.RunbookID == "" {
				return nil, source.NewError(source.CodeValidation, "get_decision_tree: runbook_id is required", err)
			}
			rb, err := lookupRunbook(ctx, eng, in.RunbookID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(rb.DecisionTree)
		},
	}
}

func getProcedureTool(eng *Engine) Definition {
	return Definition{
		StableName:  "get_procedure",
		SemVer:      "v1.0.0",
		Description: "Retrieve a single named procedure step within a runbook",
		JSONSchema:  schema(`{"runbook_id": {"type": "string"}, "procedure_id": {"type": "string"}}`),
		Capabilities: []string{"runbooks"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				RunbookID   string `json:"runbook_id"`
				ProcedureID string `json:"procedure_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.RunbookID == "" {
				return nil, source.NewError(source.CodeValidation, "get_procedure: runbook_id is required", err)
			}
			rb, err := lookupRunbook(ctx, eng, in.RunbookID)
			if err != nil {
				return nil, err
			}
			if in.ProcedureID == "" {
				return json.Marshal(rb.Procedures)
			}
			for _, p := range rb.Procedures {
				if p.ID == in.ProcedureID {
					return json.Marshal(p)
				}
			}
			return nil, source.NewError(source.CodeNotFound, in.ProcedureID, nil)
		},
	}
}

func getEscalationPathTool(eng *Engine) Definition {
	return Definition{
		StableName:  "get_escalation_path",
		SemVer:      "v1.0.0",
		Description: "Retrieve the escalation path described in a runbook",
		JSONSchema:  schema(`{"runbook_id": {"type": "string"}}`),
		Capabilities: []string{"runbooks"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				RunbookID string `json:"runbook_id"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.RunbookID == "" {
				return nil, source.NewError(source.CodeValidation, "get_escalation_path: runbook_id is required", err)
			}
			rb, err := lookupRunbook(ctx, eng, in.RunbookID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"escalation_path": rb.EscalationPath})
		},
	}
}

func listSourcesTool(eng *Engine) Definition {
	return Definition{
		StableName:  "list_sources",
		SemVer:      "v1.0.0",
		Description: "List every configured documentation source and its health/metadata",
		JSONSchema:  schema(`{}`),
		Capabilities: []string{"introspection"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			health := eng.Registry.HealthCheckAll(ctx)
			out := make([]map[string]any, 0, len(eng.Registry.List()))
			for _, a := range eng.Registry.List() {
				out = append(out, map[string]any{
					"name":     a.Name(),
					"metadata": a.Metadata(),
					"health":   health[a.Name()],
				})
			}
			return json.Marshal(map[string]any{"sources": out})
		},
	}
}

func searchKnowledgeBaseTool(eng *Engine) Definition {
	return Definition{
		StableName:  "search_knowledge_base",
		SemVer:      "v1.0.0",
		Description: "Search all configured documentation sources for a free-text query",
		JSONSchema: schema(`{
			"query": {"type": "string"},
			"limit": {"type": "integer"},
			"confidence_threshold": {"type": "number"},
			"categories": {"type": "array", "items": {"type": "string"}},
			"max_age_days": {"type": "integer"}
		}`),
		Capabilities: []string{"search"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Query               string   `json:"query"`
				Limit               int      `json:"limit"`
				ConfidenceThreshold float64  `json:"confidence_threshold"`
				Categories          []string `json:"categories"`
				MaxAgeDays          int      `json:"max_age_days"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.Query == "" {
				return nil, source.NewError(source.CodeValidation, "search_knowledge_base: query is required", err)
			}
			filters := source.Filters{Limit: in.Limit, ConfidenceThreshold: in.ConfidenceThreshold, Categories: in.Categories, MaxAgeDays: in.MaxAgeDays}
			results, errs := eng.Registry.Search(ctx, in.Query, filters, eng.QueryDeadline)
			return json.Marshal(map[string]any{"results": results, "source_errors": errsToStrings(errs)})
		},
	}
}

func recordResolutionFeedbackTool(eng *Engine) Definition {
	return Definition{
		StableName:  "record_resolution_feedback",
		SemVer:      "v1.0.0",
		Description: "Record whether a surfaced runbook actually resolved an alert",
		JSONSchema: schema(`{
			"runbook_id": {"type": "string"},
			"alert_type": {"type": "string"},
			"resolved": {"type": "boolean"},
			"notes": {"type": "string"}
		}`),
		Capabilities: []string{"feedback"},
		Handler: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				RunbookID string `json:"runbook_id"`
				AlertType string `json:"alert_type"`
				Resolved  bool   `json:"resolved"`
				Notes     string `json:"notes"`
			}
			if err := json.Unmarshal(args, &in); err != nil || in.RunbookID == "" {
				return nil, source.NewError(source.CodeValidation, "record_resolution_feedback: runbook_id is required", err)
			}
			eng.Feedback.Record(feedback.Entry{
				RunbookID: in.RunbookID, AlertType: in.AlertType, Resolved: in.Resolved,
				Notes: in.Notes, RecordedAt: time.Now(),
			})
			return json.Marshal(eng.Feedback.StatsFor(in.RunbookID))
		},
	}
}

// lookupRunbook re-derives a runbook by document ID from whichever
// adapter owns it (runbook IDs are document IDs, see internal/runbook).
func lookupRunbook(ctx context.Context, eng *Engine, runbookID string) (*source.Runbook, error) {
	for _, a := range eng.Registry.List() {
		res, err := a.GetDocument(ctx, runbookID)
		if err != nil {
			continue
		}
		runbooks, rerr := a.SearchRunbooks(ctx, "", "", nil)
		if rerr != nil {
			continue
		}
		for _, rb := range runbooks {
			if rb.ID == res.ID {
				return &rb, nil
			}
		}
	}
	return nil, source.NewError(source.CodeNotFound, runbookID, nil)
}

func errsToStrings(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, v := range errs {
		out[k] = v.Error()
	}
	return out
}
