// Package httpsource implements the source.Adapter contract against an
// arbitrary documentation HTTP endpoint whose responses must be picked
// apart with a configured extraction rule (CSS selector, JSONPath, or
// XPath) rather than a known API shape, per spec.md §4.C7d. Grounded on
// the teacher's fetch.Client for the request path; the extraction layer
// has no teacher analogue and is built on the pack's PuerkitoBio/goquery
// (CSS), PaesslerAG/jsonpath (JSON), and antchfx/xmlquery+xpath (XML).
// Every endpoint fetch is gated on internal/robots, so polling an
// external documentation site respects its published robots.txt.
package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/breaker"
	"github.com/hyperifyio/runbookd/internal/content"
	"github.com/hyperifyio/runbookd/internal/index"
	"github.com/hyperifyio/runbookd/internal/ratelimit"
	"github.com/hyperifyio/runbookd/internal/robots"
	"github.com/hyperifyio/runbookd/internal/runbook"
	"github.com/hyperifyio/runbookd/internal/source"
)

// ExtractKind selects which extraction engine an Endpoint uses to pull
// individual documents out of one listing response.
type ExtractKind string

const (
	ExtractCSS      ExtractKind = "css"
	ExtractJSONPath ExtractKind = "jsonpath"
	ExtractXPath    ExtractKind = "xpath"
	ExtractNone     ExtractKind = "" // the whole response body is one document
)

// Endpoint is one URL this adapter polls for documents, per spec.md
// §4.C7d's endpoint schema: {name, url, method, content_type, selectors?,
// json_paths?, xml_xpaths?, query_params?, body?, headers?, timeout_ms?,
// rate_limit?}.
type Endpoint struct {
	Name        string
	URL         string
	Method      string // GET (default) or POST
	ExtractKind ExtractKind
	ExtractRule string // selector / JSONPath expression / XPath expression
	TitleRule   string // optional, same kind as ExtractKind, relative to each matched node where supported

	QueryParams map[string]string // merged into the URL's query string
	Body        string            // POST body template; "${query}" is substituted with the search query
	Headers     map[string]string // per-endpoint headers, merged over the adapter's global Headers

	Timeout   time.Duration // per-endpoint request timeout; 0 uses the adapter default
	RateLimit ratelimit.Config
}

type Config struct {
	Name      string
	Endpoints []Endpoint
	Headers   map[string]string

	Categories []string     // declared categories, matched against Filters.Categories
	Timeout    time.Duration // per-request timeout; 0 uses the adapter default

	RateLimit ratelimit.Config
}

type Adapter struct {
	cfg      Config
	fetch    *source.FetchClient
	limiter  *ratelimit.Limiter
	limiters map[string]*ratelimit.Limiter // per-endpoint, falls back to limiter
	brk      *breaker.Breaker
	robots   *robots.Checker
	log      zerolog.Logger

	mu          sync.RWMutex
	docs        map[string]source.Document
	idx         *index.Index
	lastIndexed time.Time
}

const userAgent = "runbookd/1.0 (+incident-response documentation retrieval)"

func New(cfg Config, log zerolog.Logger) *Adapter {
	limiters := make(map[string]*ratelimit.Limiter, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		if ep.RateLimit != (ratelimit.Config{}) {
			limiters[ep.Name] = ratelimit.New(ep.RateLimit)
		}
	}
	return &Adapter{
		cfg:      cfg,
		fetch:    &source.FetchClient{UserAgent: userAgent, MaxAttempts: 3, PerRequestTimeout: source.RequestTimeout(cfg.Timeout)},
		limiter:  ratelimit.New(cfg.RateLimit),
		limiters: limiters,
		brk:      breaker.New("http:"+cfg.Name, breaker.Config{}),
		robots:   &robots.Checker{UserAgent: userAgent},
		log:      log.With().Str("adapter", cfg.Name).Logger(),
		docs:     map[string]source.Document{},
	}
}

// limiterFor returns the endpoint's own rate limiter (per spec.md §4.C7d's
// per-endpoint rate_limit) when configured, else the adapter-wide one.
func (a *Adapter) limiterFor(ep Endpoint) *ratelimit.Limiter {
	if l, ok := a.limiters[ep.Name]; ok {
		return l
	}
	return a.limiter
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Initialize(ctx context.Context) error {
	if len(a.cfg.Endpoints) == 0 {
		return source.NewError(source.CodeConfig, a.cfg.Name+": at least one endpoint is required", nil)
	}
	_, err := a.RefreshIndex(ctx, true)
	return err
}

// endpointURL builds ep's URL with its query_params merged in, substituting
// "${query}" in any param value with query.
func endpointURL(ep Endpoint, query string) (string, error) {
	if len(ep.QueryParams) == 0 {
		return ep.URL, nil
	}
	u, err := url.Parse(ep.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range ep.QueryParams {
		q.Set(k, strings.ReplaceAll(v, "${query}", query))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// mergedHeaders overlays ep's per-endpoint headers on top of the adapter's
// global headers, per spec.md §4.C7d ("merge global auth headers ...").
func mergedHeaders(global, perEndpoint map[string]string) map[string]string {
	out := make(map[string]string, len(global)+len(perEndpoint))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range perEndpoint {
		out[k] = v
	}
	return out
}

// fetchEndpoint issues the configured request for ep, substituting query
// into query_params and, for POST, into the body template ("${query}"),
// per spec.md §4.C7d.
func (a *Adapter) fetchEndpoint(ctx context.Context, ep Endpoint, query string) (*source.FetchResult, error) {
	if !a.robots.Allowed(ctx, ep.URL) {
		return nil, source.NewError(source.CodeConfig, ep.Name+": disallowed by robots.txt", nil)
	}
	if err := a.limiterFor(ep).Before(ctx); err != nil {
		return nil, err
	}
	reqURL, err := endpointURL(ep, query)
	if err != nil {
		return nil, source.NewError(source.CodeConfig, ep.Name+": invalid url/query_params", err)
	}

	method := ep.Method
	if method == "" {
		method = "GET"
	}
	var body io.Reader
	if method == "POST" && ep.Body != "" {
		body = strings.NewReader(strings.ReplaceAll(ep.Body, "${query}", query))
	}

	if ep.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
		defer cancel()
	}

	var res *source.FetchResult
	err = a.brk.Do(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = a.fetch.Do(ctx, source.Request{
			Method: method,
			URL:    reqURL,
			Header: mergedHeaders(a.cfg.Headers, ep.Headers),
			Body:   body,
		})
		return ferr
	})
	if err != nil {
		return nil, err
	}
	a.limiterFor(ep).After(0, time.Time{})
	return res, nil
}

// extractDocuments applies ep's extraction rule to a raw response and
// returns one raw payload (+ a derived title/identifier) per match.
func extractDocuments(ep Endpoint, res *source.FetchResult) ([]extracted, error) {
	switch ep.ExtractKind {
	case ExtractCSS:
		return extractCSS(ep, res)
	case ExtractJSONPath:
		return extractJSONPath(ep, res)
	case ExtractXPath:
		return extractXPath(ep, res)
	default:
		return []extracted{{id: ep.Name, title: ep.Name, raw: res.Body, format: content.DetectFormat("", res.ContentType, ep.URL, res.Body)}}, nil
	}
}

type extracted struct {
	id     string
	title  string
	raw    []byte
	format content.Format
}

func extractCSS(ep Endpoint, res *source.FetchResult) ([]extracted, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(res.Body)))
	if err != nil {
		return nil, source.NewError(source.CodeParse, ep.Name+": css parse", err)
	}
	var out []extracted
	doc.Find(ep.ExtractRule).Each(func(i int, sel *goquery.Selection) {
		html, _ := sel.Html()
		title := strings.TrimSpace(sel.Text())
		if ep.TitleRule != "" {
			if t := sel.Find(ep.TitleRule).First().Text(); t != "" {
				title = strings.TrimSpace(t)
			}
		}
		if len(title) > 80 {
			title = title[:80]
		}
		out = append(out, extracted{
			id:     fmt.Sprintf("%s-%d", ep.Name, i),
			title:  title,
			raw:    []byte(html),
			format: content.FormatHTML,
		})
	})
	return out, nil
}

func extractJSONPath(ep Endpoint, res *source.FetchResult) ([]extracted, error) {
	var v any
	if err := json.Unmarshal(res.Body, &v); err != nil {
		return nil, source.NewError(source.CodeParse, ep.Name+": json parse", err)
	}
	result, err := jsonpath.Get(ep.ExtractRule, v)
	if err != nil {
		return nil, source.NewError(source.CodeParse, ep.Name+": jsonpath eval", err)
	}
	items, ok := result.([]any)
	if !ok {
		items = []any{result}
	}
	out := make([]extracted, 0, len(items))
	for i, item := range items {
		b, merr := json.Marshal(item)
		if merr != nil {
			continue
		}
		title := fmt.Sprintf("%s-%d", ep.Name, i)
		if m, ok := item.(map[string]any); ok {
			if t, ok := m["title"].(string); ok {
				title = t
			} else if n, ok := m["name"].(string); ok {
				title = n
			}
		}
		out = append(out, extracted{id: fmt.Sprintf("%s-%d", ep.Name, i), title: title, raw: b, format: content.FormatJSON})
	}
	return out, nil
}

func extractXPath(ep Endpoint, res *source.FetchResult) ([]extracted, error) {
	doc, err := xmlquery.Parse(strings.NewReader(string(res.Body)))
	if err != nil {
		return nil, source.NewError(source.CodeParse, ep.Name+": xml parse", err)
	}
	nodes, err := xmlquery.QueryAll(doc, ep.ExtractRule)
	if err != nil {
		return nil, source.NewError(source.CodeParse, ep.Name+": xpath eval", err)
	}
	out := make([]extracted, 0, len(nodes))
	for i, n := range nodes {
		title := fmt.Sprintf("%s-%d", ep.Name, i)
		if ep.TitleRule != "" {
			if t := xmlquery.FindOne(n, ep.TitleRule); t != nil {
				title = strings.TrimSpace(t.InnerText())
			}
		}
		out = append(out, extracted{id: fmt.Sprintf("%s-%d", ep.Name, i), title: title, raw: []byte(n.OutputXML(true)), format: content.FormatXML})
	}
	return out, nil
}

func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	docs := a.fetchAll(ctx, "")

	idxDocs := make([]index.Document, 0, len(docs))
	for _, d := range docs {
		idxDocs = append(idxDocs, index.Document{ID: d.ID, Title: d.Title, SearchableContent: d.SearchableContent, Content: d.Content, PathOrURL: d.URL})
	}

	a.mu.Lock()
	a.docs = docs
	a.idx = index.New(idxDocs)
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

// fetchAll fetches every configured endpoint, substituting query into
// query_params/body templates, and returns the resulting documents keyed
// by id. Each document's metadata carries the originating endpoint name
// so callers can tell which endpoint produced a given result.
func (a *Adapter) fetchAll(ctx context.Context, query string) map[string]source.Document {
	docs := map[string]source.Document{}
	for _, ep := range a.cfg.Endpoints {
		res, err := a.fetchEndpoint(ctx, ep, query)
		if err != nil {
			a.log.Warn().Err(err).Str("endpoint", ep.Name).Msg("endpoint fetch failed")
			continue
		}
		items, err := extractDocuments(ep, res)
		if err != nil {
			a.log.Warn().Err(err).Str("endpoint", ep.Name).Msg("extraction failed")
			continue
		}
		for _, item := range items {
			proc, perr := content.Process(item.raw, item.format, res.ContentType, ep.URL, item.title)
			if perr != nil {
				continue
			}
			if proc.Metadata == nil {
				proc.Metadata = map[string]any{}
			}
			proc.Metadata["endpoint"] = ep.Name
			id := a.cfg.Name + ":" + item.id
			docs[id] = source.Document{
				ID:                id,
				Title:             proc.Title,
				Content:           proc.Content,
				SearchableContent: proc.SearchableContent,
				Source:            a.cfg.Name,
				SourceType:        source.TypeHTTP,
				URL:               ep.URL,
				Metadata:          proc.Metadata,
			}
		}
	}
	return docs
}

// queryEndpoints reports whether any endpoint is parameterized by the
// search query (a "${query}" in its body template or a query_param
// value), per spec.md §4.C7d's "on POST substitute ${query} in the body
// template".
func (a *Adapter) queryEndpoints() bool {
	for _, ep := range a.cfg.Endpoints {
		if strings.Contains(ep.Body, "${query}") {
			return true
		}
		for _, v := range ep.QueryParams {
			if strings.Contains(v, "${query}") {
				return true
			}
		}
	}
	return false
}

// Search ranks the last RefreshIndex snapshot against query; when any
// endpoint is query-parameterized it also issues a live fetch with the
// actual query and merges the results in, the way a search-style endpoint
// needs to be invoked per query rather than crawled once.
func (a *Adapter) Search(ctx context.Context, query string, filters source.Filters) ([]source.Result, error) {
	if !source.CategoriesMatch(a.cfg.Categories, filters.Categories) {
		return nil, nil
	}
	a.mu.RLock()
	docs := make(map[string]source.Document, len(a.docs))
	for k, v := range a.docs {
		docs[k] = v
	}
	a.mu.RUnlock()

	if query != "" && a.queryEndpoints() {
		for id, d := range a.fetchAll(ctx, query) {
			docs[id] = d
		}
	}

	idxDocs := make([]index.Document, 0, len(docs))
	for _, d := range docs {
		idxDocs = append(idxDocs, index.Document{ID: d.ID, Title: d.Title, SearchableContent: d.SearchableContent, Content: d.Content, PathOrURL: d.URL})
	}

	start := time.Now()
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
	a.mu.RLock()
	docs := make([]source.Document, 0, len(a.docs))
	for _, d := range a.docs {
		docs = append(docs, d)
	}
	a.mu.RUnlock()
	return runbook.ExtractAndScore(docs, alertType, severity, systems), nil
}

func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	if len(a.cfg.Endpoints) == 0 {
		return source.Health{Healthy: false, Detail: "no endpoints configured", Checked: time.Now()}
	}
	_, err := a.fetchEndpoint(ctx, a.cfg.Endpoints[0], "")
	return source.Health{Healthy: err == nil, Detail: errString(err), Checked: time.Now()}
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return source.Metadata{Name: a.cfg.Name, Type: source.TypeHTTP, DocumentCount: len(a.docs), LastIndexed: a.lastIndexed}
}

func (a *Adapter) Cleanup(ctx context.Context) error { return nil }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
