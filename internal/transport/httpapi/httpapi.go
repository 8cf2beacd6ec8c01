// Package httpapi exposes the engine's tool surface as JSON-over-HTTP
// endpoints under /api/, per spec.md §4's external-interfaces section.
// The route set mirrors internal/toolsurface one-for-one. Grounded on
// the rest of the retrieval pack's go-chi/chi routing and
// go-playground/validator request validation (the teacher itself never
// runs an HTTP server — see the openai-stub helper's bare
// http.ServeMux — so this layer's envelope/logging conventions instead
// follow the teacher's internal/app error-surfacing idiom: typed errors
// translated to a stable response shape).
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/feedback"
	"github.com/hyperifyio/runbookd/internal/registry"
	"github.com/hyperifyio/runbookd/internal/source"
	"github.com/hyperifyio/runbookd/internal/toolsurface"
)

// Server wires the engine's components onto an http.Handler.
type Server struct {
	Registry      *registry.Registry
	Tools         *toolsurface.Registry
	Feedback      *feedback.Store
	QueryDeadline time.Duration
	Log           zerolog.Logger

	validate *validator.Validate
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	s.validate = validator.New()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/performance", s.handlePerformance)

	r.Route("/api", func(r chi.Router) {
		r.Post("/search_runbooks", s.handleSearchRunbooks)
		r.Post("/get_decision_tree", s.handleGetDecisionTree)
		r.Post("/get_procedure", s.handleGetProcedure)
		r.Post("/get_escalation_path", s.handleGetEscalationPath)
		r.Get("/list_sources", s.handleListSources)
		r.Post("/search_knowledge_base", s.handleSearchKnowledgeBase)
		r.Post("/record_resolution_feedback", s.handleRecordResolutionFeedback)
	})

	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type searchRunbooksRequest struct {
	AlertType string   `json:"alert_type" validate:"required"`
	Severity  string   `json:"severity"`
	Systems   []string `json:"systems"`
}

func (s *Server) handleSearchRunbooks(w http.ResponseWriter, r *http.Request) {
	var req searchRunbooksRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	runbooks, errs := s.Registry.SearchRunbooks(r.Context(), req.AlertType, req.Severity, req.Systems, s.QueryDeadline)
	writeOK(w, map[string]any{"runbooks": runbooks, "source_errors": stringifyErrs(errs)})
}

type runbookIDRequest struct {
	RunbookID string `json:"runbook_id" validate:"required"`
}

func (s *Server) handleGetDecisionTree(w http.ResponseWriter, r *http.Request) {
	var req runbookIDRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	rb, err := s.lookupRunbook(r, req.RunbookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, rb.DecisionTree)
}

type procedureRequest struct {
	RunbookID   string `json:"runbook_id" validate:"required"`
	ProcedureID string `json:"procedure_id"`
}

func (s *Server) handleGetProcedure(w http.ResponseWriter, r *http.Request) {
	var req procedureRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	rb, err := s.lookupRunbook(r, req.RunbookID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ProcedureID == "" {
		writeOK(w, rb.Procedures)
		return
	}
	for _, p := range rb.Procedures {
		if p.ID == req.ProcedureID {
			writeOK(w, p)
			return
		}
	}
	writeError(w, source.NewError(source.CodeNotFound, req.ProcedureID, nil))
}

func (s *Server) handleGetEscalationPath(w http.ResponseWriter, r *http.Request) {
	var req runbookIDRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	rb, err := s.lookupRunbook(r, req.RunbookID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"escalation_path": rb.EscalationPath})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	health := s.Registry.HealthCheckAll(r.Context())
	out := make([]map[string]any, 0, len(s.Registry.List()))
	for _, a := range s.Registry.List() {
		out = append(out, map[string]any{"name": a.Name(), "metadata": a.Metadata(), "health": health[a.Name()]})
	}
	writeOK(w, map[string]any{"sources": out})
}

type searchKnowledgeBaseRequest struct {
	Query               string   `json:"query" validate:"required"`
	Limit               int      `json:"limit"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	Categories          []string `json:"categories"`
	MaxAgeDays          int      `json:"max_age_days"`
}

func (s *Server) handleSearchKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	var req searchKnowledgeBaseRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	filters := source.Filters{Limit: req.Limit, ConfidenceThreshold: req.ConfidenceThreshold, Categories: req.Categories, MaxAgeDays: req.MaxAgeDays}
	results, errs := s.Registry.Search(r.Context(), req.Query, filters, s.QueryDeadline)
	writeOK(w, map[string]any{"results": results, "source_errors": stringifyErrs(errs)})
}

type recordResolutionFeedbackRequest struct {
	RunbookID string `json:"runbook_id" validate:"required"`
	AlertType string `json:"alert_type"`
	Resolved  bool   `json:"resolved"`
	Notes     string `json:"notes"`
}

func (s *Server) handleRecordResolutionFeedback(w http.ResponseWriter, r *http.Request) {
	var req recordResolutionFeedbackRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	s.Feedback.Record(feedback.Entry{
		RunbookID: req.RunbookID, AlertType: req.AlertType, Resolved: req.Resolved,
		Notes: req.Notes, RecordedAt: time.Now(),
	})
	writeOK(w, s.Feedback.StatsFor(req.RunbookID))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.Registry.HealthCheckAll(r.Context())
	allHealthy := true
	for _, h := range health {
		if !h.Healthy {
			allHealthy = false
			break
		}
	}
	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"healthy": allHealthy, "sources": health})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]source.Metadata, len(s.Registry.List()))
	for _, a := range s.Registry.List() {
		out[a.Name()] = a.Metadata()
	}
	writeOK(w, map[string]any{"sources": out, "feedback": s.Feedback.All()})
}

func (s *Server) lookupRunbook(r *http.Request, runbookID string) (*source.Runbook, error) {
	for _, a := range s.Registry.List() {
		res, err := a.GetDocument(r.Context(), runbookID)
		if err != nil {
			continue
		}
		runbooks, rerr := a.SearchRunbooks(r.Context(), "", "", nil)
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

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, source.NewError(source.CodeValidation, "invalid request body", err))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, source.NewError(source.CodeValidation, err.Error(), err))
		return false
	}
	return true
}

func writeOK(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": payload})
}

func writeError(w http.ResponseWriter, err error) {
	code := source.CodeOf(err)
	status := statusForCode(code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": string(code), "message": err.Error()}})
}

func statusForCode(code source.Code) int {
	switch code {
	case source.CodeNotFound:
		return http.StatusNotFound
	case source.CodeValidation:
		return http.StatusBadRequest
	case source.CodeAuth:
		return http.StatusUnauthorized
	case source.CodeRateLimited:
		return http.StatusTooManyRequests
	case source.CodeUpstreamDown, source.CodeTimeout:
		return http.StatusServiceUnavailable
	case source.CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

func stringifyErrs(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for k, v := range errs {
		out[k] = v.Error()
	}
	return out
}
