// Package wiki implements the source.Adapter contract against a
// Confluence-style wiki's REST API, generalized from the teacher's
// internal/search.SearxNG query-builder idiom (URL-encoded query params,
// JSON response decode) onto CQL search and runbook-specific multi-query
// fan-out, per spec.md §4.C7b.
package wiki

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/breaker"
	"github.com/hyperifyio/runbookd/internal/content"
	"github.com/hyperifyio/runbookd/internal/index"
	"github.com/hyperifyio/runbookd/internal/ratelimit"
	"github.com/hyperifyio/runbookd/internal/runbook"
	"github.com/hyperifyio/runbookd/internal/source"
)

type Config struct {
	Name     string
	BaseURL  string
	SpaceKey string
	Username string
	Token    string

	Categories []string     // declared categories, matched against Filters.Categories
	Timeout    time.Duration // per-request timeout; 0 uses the adapter default

	RateLimit ratelimit.Config
}

type Adapter struct {
	cfg     Config
	fetch   *source.FetchClient
	limiter *ratelimit.Limiter
	brk     *breaker.Breaker
	log     zerolog.Logger

	mu          sync.RWMutex
	docs        map[string]source.Document
	idx         *index.Index
	lastIndexed time.Time
}

func New(cfg Config, log zerolog.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		fetch:   &source.FetchClient{UserAgent: "runbookd/1.0", MaxAttempts: 3, PerRequestTimeout: source.RequestTimeout(cfg.Timeout)},
		limiter: ratelimit.New(cfg.RateLimit),
		brk:     breaker.New("wiki:"+cfg.Name, breaker.Config{}),
		log:     log.With().Str("adapter", cfg.Name).Logger(),
		docs:    map[string]source.Document{},
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.BaseURL == "" {
		return source.NewError(source.CodeConfig, a.cfg.Name+": base_url is required", nil)
	}
	if a.cfg.Token == "" {
		return source.NewError(source.CodeConfig, a.cfg.Name+": credentials are required (bearer token or basic auth password)", nil)
	}
	_, err := a.RefreshIndex(ctx, true)
	return err
}

// authHeader returns the Authorization header value for this adapter's
// configured credentials: basic auth when a username is set (per spec.md
// §4.C7b, "authenticates via bearer or basic"), bearer otherwise.
func (a *Adapter) authHeader() string {
	if a.cfg.Username != "" {
		raw := a.cfg.Username + ":" + a.cfg.Token
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	}
	return "Bearer " + a.cfg.Token
}

// scopeFilter builds the optional, disjuncted space/scope clause from the
// adapter's configured space key(s), per spec.md §4.C7b: `(space = "A" OR
// space = "B")`. SpaceKey may list multiple spaces comma-separated.
func (a *Adapter) scopeFilter() string {
	if a.cfg.SpaceKey == "" {
		return ""
	}
	parts := strings.Split(a.cfg.SpaceKey, ",")
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		clauses = append(clauses, fmt.Sprintf(`space = "%s"`, escapeCQL(p)))
	}
	if len(clauses) == 0 {
		return ""
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}

// buildCQL assembles a full query per spec.md §4.C7b's contract: a free
// text clause (when text != ""), ANDed with the optional disjuncted
// space/scope filter, ANDed with the mandatory `type = page AND status =
// current` clause.
func (a *Adapter) buildCQL(text string) string {
	clauses := make([]string, 0, 3)
	if text != "" {
		clauses = append(clauses, fmt.Sprintf(`text ~ "%s"`, escapeCQL(text)))
	}
	if sf := a.scopeFilter(); sf != "" {
		clauses = append(clauses, sf)
	}
	clauses = append(clauses, "type = page AND status = current")
	return strings.Join(clauses, " and ")
}

// cqlSearch issues one CQL query against /rest/api/content/search.
func (a *Adapter) cqlSearch(ctx context.Context, cql string, limit int) ([]cqlResult, error) {
	if err := a.limiter.Before(ctx); err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimRight(a.cfg.BaseURL, "/") + "/rest/api/content/search")
	if err != nil {
		return nil, source.NewError(source.CodeConfig, "invalid base_url", err)
	}
	q := u.Query()
	q.Set("cql", cql)
	q.Set("expand", "body.storage,metadata.labels,history.lastUpdated")
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	u.RawQuery = q.Encode()

	var res *source.FetchResult
	err = a.brk.Do(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = a.fetch.Do(ctx, source.Request{
			URL: u.String(),
			Header: map[string]string{
				"Authorization": a.authHeader(),
				"Accept":        "application/json",
			},
		})
		return ferr
	})
	if err != nil {
		return nil, err
	}
	a.limiter.After(headerInt(res.Header.Get("X-RateLimit-Remaining")), time.Time{})

	var parsed cqlResponse
	if jerr := json.Unmarshal(res.Body, &parsed); jerr != nil {
		return nil, source.NewError(source.CodeParse, a.cfg.Name+": cql response", jerr)
	}
	return parsed.Results, nil
}

// runbookQueries builds the four kinds of CQL query of spec.md §4.C7b's
// runbook discovery, which SearchRunbooks issues one after another: the
// structural runbook query
// (a disjunction over alert_type, severity, and the fixed indicator
// terms), one per-system query for each of the first three affected
// systems, the severity/incident query, and the plain "runbook
// {alert_type}" query. Every clause carries the adapter's scope filter
// and the mandatory page/current-status clause.
func (a *Adapter) runbookQueries(alertType, severity string, systems []string) []string {
	wrap := func(clause string) string {
		parts := []string{clause}
		if sf := a.scopeFilter(); sf != "" {
			parts = append(parts, sf)
		}
		parts = append(parts, "type = page AND status = current")
		return strings.Join(parts, " and ")
	}

	terms := []string{"runbook", "procedure", "troubleshoot", "incident"}
	if alertType != "" {
		terms = append(terms, alertType)
	}
	if severity != "" {
		terms = append(terms, severity)
	}
	disjuncts := make([]string, 0, len(terms))
	for _, t := range terms {
		disjuncts = append(disjuncts, fmt.Sprintf(`text ~ "%s"`, escapeCQL(t)))
	}
	queries := []string{wrap("(" + strings.Join(disjuncts, " OR ") + ")")}

	for i, sys := range systems {
		if i >= 3 {
			break
		}
		sys = strings.TrimSpace(sys)
		if sys == "" {
			continue
		}
		queries = append(queries, wrap(fmt.Sprintf(`text ~ "%s %s runbook"`, escapeCQL(alertType), escapeCQL(sys))))
	}

	queries = append(queries, wrap(fmt.Sprintf(`text ~ "%s incident procedure troubleshoot"`, escapeCQL(severity))))
	queries = append(queries, wrap(fmt.Sprintf(`text ~ "runbook %s"`, escapeCQL(alertType))))

	return queries
}

// escapeCQL escapes the characters CQL string literals require escaped —
// backslashes first (so the later quote escapes aren't themselves
// re-escaped), then double and single quotes — per spec.md §4.C7b.
func escapeCQL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return s
}

func headerInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

type cqlResponse struct {
	Results []cqlResult `json:"results"`
}

type cqlResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Metadata struct {
		Labels struct {
			Results []struct {
				Name string `json:"name"`
			} `json:"results"`
		} `json:"labels"`
	} `json:"metadata"`
	History struct {
		LastUpdated struct {
			When string `json:"when"`
		} `json:"lastUpdated"`
	} `json:"history"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

func (r cqlResult) toDocument(adapterName, baseURL string) source.Document {
	proc, err := content.Process([]byte(r.Body.Storage.Value), content.FormatHTML, "text/html", r.Title, r.Title)
	doc := source.Document{
		ID:         adapterName + ":" + r.ID,
		Title:      r.Title,
		Source:     adapterName,
		SourceType: source.TypeWiki,
		URL:        strings.TrimRight(baseURL, "/") + r.Links.WebUI,
	}
	if err == nil {
		doc.Content = proc.Content
		doc.SearchableContent = proc.SearchableContent
		doc.Metadata = proc.Metadata
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]any{}
	}
	tags := make([]string, 0, len(r.Metadata.Labels.Results))
	for _, l := range r.Metadata.Labels.Results {
		tags = append(tags, l.Name)
	}
	doc.Metadata["tags"] = tags
	if t, terr := time.Parse(time.RFC3339, r.History.LastUpdated.When); terr == nil {
		doc.LastModified = t
	}
	return doc
}

func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	results, err := a.cqlSearch(ctx, a.buildCQL(""), 200)
	if err != nil {
		return false, err
	}
	docs := make(map[string]source.Document, len(results))
	idxDocs := make([]index.Document, 0, len(results))
	for _, r := range results {
		d := r.toDocument(a.cfg.Name, a.cfg.BaseURL)
		docs[d.ID] = d
		tags, _ := d.Metadata["tags"].([]string)
		idxDocs = append(idxDocs, index.Document{
			ID: d.ID, Title: d.Title, SearchableContent: d.SearchableContent,
			Content: d.Content, PathOrURL: d.URL, Tags: tags,
		})
	}

	a.mu.Lock()
	a.docs = docs
	a.idx = index.New(idxDocs)
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

// Search issues a live CQL query (free-text clause + scope filter + the
// mandatory page/current-status clause, per spec.md §4.C7b) rather than
// scoring only the last RefreshIndex snapshot, then ranks the returned
// pages with the same fuzzy index every other adapter uses so results
// carry a comparable confidence score and match reasons.
func (a *Adapter) Search(ctx context.Context, query string, filters source.Filters) ([]source.Result, error) {
	if !source.CategoriesMatch(a.cfg.Categories, filters.Categories) {
		return nil, nil
	}
	start := time.Now()
	cql := a.buildCQL(query)
	results, err := a.cqlSearch(ctx, cql, 50)
	if err != nil {
		return nil, err
	}

	docs := make(map[string]source.Document, len(results))
	idxDocs := make([]index.Document, 0, len(results))
	for _, r := range results {
		d := r.toDocument(a.cfg.Name, a.cfg.BaseURL)
		docs[d.ID] = d
		tags, _ := d.Metadata["tags"].([]string)
		idxDocs = append(idxDocs, index.Document{
			ID: d.ID, Title: d.Title, SearchableContent: d.SearchableContent,
			Content: d.Content, PathOrURL: d.URL, Tags: tags,
		})
	}
	matches := index.New(idxDocs).Search(query, filters.Limit)
	out := make([]source.Result, 0, len(matches))
	for _, m := range matches {
		if filters.HasConfidenceThreshold() && m.Score < filters.ConfidenceThreshold {
			continue
		}
		if d, ok := docs[m.ID]; ok {
			out = append(out, source.Result{Document: d, ConfidenceScore: m.Score, MatchReasons: m.MatchReasons, RetrievalTimeMs: time.Since(start).Milliseconds()})
		}
	}
	return out, nil
}

func (a *Adapter) GetDocument(ctx context.Context, id string) (*source.Result, error) {
	a.mu.RLock()
	d, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, source.NewError(source.CodeNotFound, id, nil)
	}
	return &source.Result{Document: d, ConfidenceScore: 1}, nil
}

func (a *Adapter) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]source.Runbook, error) {
	queries := a.runbookQueries(alertType, severity, systems)
	seen := map[string]source.Document{}
	for _, q := range queries {
		results, err := a.cqlSearch(ctx, q, 50)
		if err != nil {
			a.log.Warn().Err(err).Str("cql", q).Msg("runbook query failed")
			continue
		}
		for _, r := range results {
			d := r.toDocument(a.cfg.Name, a.cfg.BaseURL)
			seen[d.ID] = d
		}
	}
	docs := make([]source.Document, 0, len(seen))
	for _, d := range seen {
		docs = append(docs, d)
	}
	return runbook.ExtractAndScore(docs, alertType, severity, systems), nil
}

func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	_, err := a.cqlSearch(ctx, a.buildCQL(""), 1)
	return source.Health{Healthy: err == nil, Detail: errString(err), Checked: time.Now()}
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return source.Metadata{Name: a.cfg.Name, Type: source.TypeWiki, DocumentCount: len(a.docs), LastIndexed: a.lastIndexed}
}

func (a *Adapter) Cleanup(ctx context.Context) error { return nil }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
