// Package forge implements the source.Adapter contract against a Git
// forge's repository-contents API (GitHub/GitLab-shaped: base64-encoded
// blobs over a repo tree listing), per spec.md §4.C7c. Grounded on the
// same FetchClient idiom as internal/source/wiki; the forge adapter adds
// token-scope validation on Initialize and a TTL for reusing its repo
// index across non-forced refreshes.
package forge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
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

// forgeIndexThreshold is the fuzzy-match bar tuned up from the shared
// index.Threshold for forge's larger, noisier corpus, per spec.md §4.C7c.
const forgeIndexThreshold = 0.6

// Validation ceilings enforced by Initialize, per spec.md §4.C7c's
// mandatory (a)-(f) pass.
const (
	maxQuotaFraction  = 0.25
	maxConcurrency    = 3
	minRequestInterval = 1000 * time.Millisecond
	maxBulkScanRepos  = 10
)

// fileSelectExtensions are the extensions spec.md §4.C7c recognizes for
// any file under docs/doc, or whose extension alone qualifies it.
var fileSelectExtensions = map[string]struct{}{
	".md": {}, ".txt": {}, ".json": {}, ".yml": {}, ".yaml": {}, ".rst": {}, ".adoc": {},
}

// fileSelectKeywords are the name substrings spec.md §4.C7c matches
// regardless of path or extension.
var fileSelectKeywords = []string{"runbook", "ops", "operations", "troubleshoot", "incident", "procedure", "playbook", "sre"}

type Config struct {
	Name       string
	APIBaseURL string // e.g. https://api.github.com
	Owner      string
	Repo       string
	Ref        string // branch or tag; defaults to the repo's default branch
	Path       string // subdirectory to restrict the walk to; empty means repo root
	Token      string

	// CacheTTL is a duration string like "4h" or "30m": a non-forced
	// RefreshIndex within this long of the last index build keeps that
	// index. Empty disables the reuse.
	CacheTTL string

	// OrgScanConsent must be true for a bulk/org-wide scan to proceed
	// without just a startup warning, per spec.md §4.C7c's (f) check.
	OrgScanConsent bool
	// BulkRepoCount, when set, is the number of repos this adapter's
	// configuration implies scanning (e.g. an org-wide crawl fanning
	// this adapter out); 0 means "just this one repo."
	BulkRepoCount int
	// Concurrency bounds parallel blob fetches during RefreshIndex; 0
	// defaults to 1 (sequential).
	Concurrency int

	Categories []string      // declared categories, matched against Filters.Categories
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
		brk:     breaker.New("forge:"+cfg.Name, breaker.Config{}),
		log:     log.With().Str("adapter", cfg.Name).Logger(),
		docs:    map[string]source.Document{},
	}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.APIBaseURL == "" || a.cfg.Owner == "" || a.cfg.Repo == "" {
		return source.NewError(source.CodeConfig, a.cfg.Name+": api_base_url, owner and repo are required", nil)
	}
	if a.cfg.Token == "" {
		return source.NewError(source.CodeAuth, a.cfg.Name+": token is required", nil)
	}
	if _, err := parseTTL(a.cfg.CacheTTL); err != nil {
		return source.NewError(source.CodeConfig, a.cfg.Name+": invalid cache_ttl", err)
	}
	if err := a.validateLimits(); err != nil {
		return err
	}
	// A cheap repo-metadata fetch doubles as token-scope validation: an
	// invalid or under-scoped token surfaces as CodeAuth here rather
	// than deep into the first real document fetch.
	if err := a.validateToken(ctx); err != nil {
		return err
	}
	_, err := a.RefreshIndex(ctx, true)
	return err
}

// validateLimits runs the mandatory (a)-(f) pass spec.md §4.C7c requires
// before a forge adapter is allowed to start pulling: quota fraction,
// concurrency, minimum request interval and bulk-scan size are hard
// CONFIG failures; missing org-scan consent is a loud warning, not a
// refusal to start, since a single-repo adapter has nothing to consent to.
func (a *Adapter) validateLimits() error {
	rl := a.cfg.RateLimit
	if rl.QuotaFraction > maxQuotaFraction {
		return source.NewError(source.CodeConfig, fmt.Sprintf("%s: quota_fraction %.2f exceeds max %.2f", a.cfg.Name, rl.QuotaFraction, maxQuotaFraction), nil)
	}
	if a.cfg.Concurrency > maxConcurrency {
		return source.NewError(source.CodeConfig, fmt.Sprintf("%s: concurrency %d exceeds max %d", a.cfg.Name, a.cfg.Concurrency, maxConcurrency), nil)
	}
	if rl.MinInterval > 0 && rl.MinInterval < minRequestInterval {
		return source.NewError(source.CodeConfig, fmt.Sprintf("%s: min_interval %s below floor %s", a.cfg.Name, rl.MinInterval, minRequestInterval), nil)
	}
	if a.cfg.BulkRepoCount > maxBulkScanRepos {
		return source.NewError(source.CodeConfig, fmt.Sprintf("%s: bulk scan of %d repos exceeds max %d", a.cfg.Name, a.cfg.BulkRepoCount, maxBulkScanRepos), nil)
	}
	if a.cfg.BulkRepoCount > 1 && !a.cfg.OrgScanConsent {
		a.log.Warn().Int("repo_count", a.cfg.BulkRepoCount).Msg("org-wide scan configured without explicit consent")
	}
	return nil
}

func (a *Adapter) validateToken(ctx context.Context) error {
	_, err := a.doGet(ctx, fmt.Sprintf("%s/repos/%s/%s", strings.TrimRight(a.cfg.APIBaseURL, "/"), a.cfg.Owner, a.cfg.Repo))
	return err
}

// parseTTL accepts Go's own duration grammar (e.g. "4h", "30m") since
// the teacher's config layer already parses durations this way; an
// empty string yields 0, which RefreshIndex treats as "never reuse".
func parseTTL(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (a *Adapter) doGet(ctx context.Context, url string) (*source.FetchResult, error) {
	if err := a.limiter.Before(ctx); err != nil {
		return nil, err
	}
	var res *source.FetchResult
	err := a.brk.Do(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = a.fetch.Do(ctx, source.Request{
			URL: url,
			Header: map[string]string{
				"Authorization": "Bearer " + a.cfg.Token,
				"Accept":        "application/vnd.github+json",
			},
		})
		return ferr
	})
	if err != nil {
		return nil, err
	}
	remaining, _ := strconv.Atoi(res.Header.Get("X-RateLimit-Remaining"))
	var resetAt time.Time
	if v, verr := strconv.ParseInt(res.Header.Get("X-RateLimit-Reset"), 10, 64); verr == nil {
		resetAt = time.Unix(v, 0)
	}
	a.limiter.After(remaining, resetAt)
	return res, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "blob" | "tree"
	SHA  string `json:"sha"`
	URL  string `json:"url"`
}

type treeResponse struct {
	Tree []treeEntry `json:"tree"`
}

type blobResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (a *Adapter) fetchTree(ctx context.Context) ([]treeEntry, error) {
	ref := a.cfg.Ref
	if ref == "" {
		ref = "HEAD"
	}
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", strings.TrimRight(a.cfg.APIBaseURL, "/"), a.cfg.Owner, a.cfg.Repo, ref)
	res, err := a.doGet(ctx, url)
	if err != nil {
		return nil, err
	}
	var tr treeResponse
	if jerr := json.Unmarshal(res.Body, &tr); jerr != nil {
		return nil, source.NewError(source.CodeParse, a.cfg.Name+": tree response", jerr)
	}
	out := make([]treeEntry, 0, len(tr.Tree))
	for _, e := range tr.Tree {
		if e.Type != "blob" {
			continue
		}
		if a.cfg.Path != "" && !strings.HasPrefix(e.Path, strings.TrimSuffix(a.cfg.Path, "/")+"/") {
			continue
		}
		if !selectBlob(e.Path) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// selectBlob applies spec.md §4.C7c's file-selection rule: a blob is
// indexed when its name contains "readme", when it sits under a docs/ or
// doc/ directory with a recognized documentation extension, or when its
// name contains any operational keyword.
func selectBlob(blobPath string) bool {
	base := strings.ToLower(path.Base(blobPath))
	if strings.Contains(base, "readme") {
		return true
	}
	lower := strings.ToLower(blobPath)
	underDocs := strings.Contains(lower, "/docs/") || strings.HasPrefix(lower, "docs/") ||
		strings.Contains(lower, "/doc/") || strings.HasPrefix(lower, "doc/")
	if underDocs {
		ext := strings.ToLower(path.Ext(blobPath))
		if _, ok := fileSelectExtensions[ext]; ok {
			return true
		}
	}
	for _, kw := range fileSelectKeywords {
		if strings.Contains(base, kw) {
			return true
		}
	}
	return false
}

func (a *Adapter) fetchBlob(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", strings.TrimRight(a.cfg.APIBaseURL, "/"), a.cfg.Owner, a.cfg.Repo, path)
	if a.cfg.Ref != "" {
		url += "?ref=" + a.cfg.Ref
	}
	res, err := a.doGet(ctx, url)
	if err != nil {
		return nil, err
	}
	var br blobResponse
	if jerr := json.Unmarshal(res.Body, &br); jerr != nil {
		return nil, source.NewError(source.CodeParse, a.cfg.Name+": blob response", jerr)
	}
	if br.Encoding != "base64" {
		return []byte(br.Content), nil
	}
	decoded, derr := base64.StdEncoding.DecodeString(strings.ReplaceAll(br.Content, "\n", ""))
	if derr != nil {
		return nil, source.NewError(source.CodeParse, a.cfg.Name+": base64 decode", derr)
	}
	return decoded, nil
}

// RefreshIndex rebuilds the per-repo document set, unless a prior index
// is still within cfg.CacheTTL and force is false, per spec.md §4.C7c's
// "per-repo index is reused if now - last_indexed < parse_cache_ttl(...)
// unless force=true" rule.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !force {
		ttl, _ := parseTTL(a.cfg.CacheTTL)
		a.mu.RLock()
		fresh := ttl > 0 && !a.lastIndexed.IsZero() && time.Since(a.lastIndexed) < ttl
		a.mu.RUnlock()
		if fresh {
			return false, nil
		}
	}

	entries, err := a.fetchTree(ctx)
	if err != nil {
		return false, err
	}

	concurrency := a.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	type fetched struct {
		doc source.Document
		ok  bool
	}
	results := make([]fetched, len(entries))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, e := range entries {
		i, e := i, e
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			raw, berr := a.fetchBlob(ctx, e.Path)
			if berr != nil {
				a.log.Warn().Err(berr).Str("path", e.Path).Msg("skipping unreadable blob")
				return
			}
			title := e.Path[strings.LastIndex(e.Path, "/")+1:]
			proc, perr := content.Process(raw, "", "", e.Path, title)
			if perr != nil {
				return
			}
			doc := source.Document{
				ID:                documentID(a.cfg.Owner, a.cfg.Repo, e.Path),
				Title:             proc.Title,
				Content:           proc.Content,
				SearchableContent: proc.SearchableContent,
				Source:            a.cfg.Name,
				SourceType:        source.TypeForge,
				URL:               fmt.Sprintf("%s/%s/blob/%s/%s", strings.TrimRight(a.cfg.APIBaseURL, "/"), a.cfg.Owner+"/"+a.cfg.Repo, a.cfg.Ref, e.Path),
				Metadata:          proc.Metadata,
			}
			results[i] = fetched{doc: doc, ok: true}
		}()
	}
	wg.Wait()

	docs := make(map[string]source.Document, len(entries))
	idxDocs := make([]index.Document, 0, len(entries))
	for i, e := range entries {
		r := results[i]
		if !r.ok {
			continue
		}
		docs[r.doc.ID] = r.doc
		idxDocs = append(idxDocs, index.Document{ID: r.doc.ID, Title: r.doc.Title, SearchableContent: r.doc.SearchableContent, Content: r.doc.Content, PathOrURL: e.Path})
	}

	a.mu.Lock()
	a.docs = docs
	a.idx = index.New(idxDocs).WithThreshold(forgeIndexThreshold)
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

// documentID derives the forge document ID deterministically from
// owner/repo/path, per spec.md §3's Data Model rule.
func documentID(owner, repo, blobPath string) string {
	sum := sha256.Sum256([]byte(owner + "/" + repo + "/" + blobPath))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) Search(ctx context.Context, query string, filters source.Filters) ([]source.Result, error) {
	if !source.CategoriesMatch(a.cfg.Categories, filters.Categories) {
		return nil, nil
	}
	a.mu.RLock()
	idx, docs := a.idx, a.docs
	a.mu.RUnlock()
	if idx == nil {
		return nil, nil
	}
	start := time.Now()
	matches := idx.Search(query, filters.Limit)
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
	err := a.validateToken(ctx)
	return source.Health{Healthy: err == nil, Detail: errString(err), Checked: time.Now()}
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return source.Metadata{Name: a.cfg.Name, Type: source.TypeForge, DocumentCount: len(a.docs), LastIndexed: a.lastIndexed}
}

func (a *Adapter) Cleanup(ctx context.Context) error { return nil }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
