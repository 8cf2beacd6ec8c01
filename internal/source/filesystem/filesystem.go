// Package filesystem implements the source.Adapter contract over a local
// directory tree of runbooks/docs, generalized from the teacher's
// internal/search.FileProvider (a flat JSON file of results) into a real
// recursive walk with front-matter extraction and live change detection.
package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/content"
	"github.com/hyperifyio/runbookd/internal/index"
	"github.com/hyperifyio/runbookd/internal/runbook"
	"github.com/hyperifyio/runbookd/internal/source"
)

// DefaultMaxDepth is the walk depth cap from spec.md §4.C7a, counted from
// RootDir itself (depth 0).
const DefaultMaxDepth = 10

// defaultExtensions is the recognized-extension list spec.md §4.C7a
// requires when an adapter doesn't configure one explicitly: markdown,
// text, JSON, YAML, PDF, RST, AsciiDoc.
var defaultExtensions = []string{".md", ".markdown", ".txt", ".json", ".yaml", ".yml", ".pdf", ".rst", ".adoc"}

// defaultExcludeDirs skips the usual vcs/dependency/build-output
// directories a documentation walk should never descend into.
var defaultExcludeDirs = map[string]struct{}{
	".git": {}, ".svn": {}, ".hg": {},
	"node_modules": {}, "vendor": {}, "dist": {}, "build": {}, "target": {},
	".idea": {}, ".vscode": {},
}

// Config configures one filesystem-backed source.
type Config struct {
	Name       string
	RootDir    string
	Extensions []string // e.g. [".md", ".json", ".yaml"]; empty uses defaultExtensions
	MaxDepth   int      // directory levels below RootDir to descend; 0 uses DefaultMaxDepth
	Watch      bool     // enable fsnotify-driven live reindex
	Categories []string // declared categories, matched against Filters.Categories
}

// Adapter walks RootDir and serves search/document/runbook requests out
// of an in-memory index rebuilt on Initialize/RefreshIndex (and, when
// Watch is set, on fsnotify events).
type Adapter struct {
	cfg Config
	log zerolog.Logger

	mu          sync.RWMutex
	docs        map[string]source.Document
	idx         *index.Index
	lastIndexed time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func New(cfg Config, log zerolog.Logger) *Adapter {
	return &Adapter{cfg: cfg, log: log.With().Str("adapter", cfg.Name).Logger(), docs: map[string]source.Document{}}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Initialize(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.RootDir) == "" {
		return source.NewError(source.CodeConfig, a.cfg.Name+": root_dir is required", nil)
	}
	if _, err := os.Stat(a.cfg.RootDir); err != nil {
		return source.NewError(source.CodeConfig, a.cfg.Name+": root_dir not accessible", err)
	}
	if _, err := a.RefreshIndex(ctx, true); err != nil {
		return err
	}
	if a.cfg.Watch {
		if err := a.startWatch(); err != nil {
			a.log.Warn().Err(err).Msg("filesystem watch disabled")
		}
	}
	return nil
}

func (a *Adapter) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := filepath.WalkDir(a.cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if a.skipDir(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	}); err != nil {
		_ = w.Close()
		return err
	}
	a.watcher = w
	a.done = make(chan struct{})
	go a.watchLoop()
	return nil
}

// skipDir reports whether dir (other than RootDir itself) should be
// excluded from the walk: dotted directories and the default
// vcs/dependency/build-output exclude list, per spec.md §4.C7a.
func (a *Adapter) skipDir(dir string) bool {
	if filepath.Clean(dir) == filepath.Clean(a.cfg.RootDir) {
		return false
	}
	name := filepath.Base(dir)
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, excluded := defaultExcludeDirs[strings.ToLower(name)]
	return excluded
}

func (a *Adapter) maxDepth() int {
	if a.cfg.MaxDepth > 0 {
		return a.cfg.MaxDepth
	}
	return DefaultMaxDepth
}

// depthOf counts path separators between RootDir and path, so RootDir's
// direct children are depth 1.
func (a *Adapter) depthOf(path string) int {
	rel, err := filepath.Rel(a.cfg.RootDir, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

func (a *Adapter) watchLoop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-a.done:
			return
		case _, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			debounce.Reset(500 * time.Millisecond)
		case <-debounce.C:
			if _, err := a.RefreshIndex(context.Background(), true); err != nil {
				a.log.Warn().Err(err).Msg("reindex after fs change failed")
			}
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

// RefreshIndex walks RootDir and rebuilds the in-memory document set.
// force is accepted for interface symmetry with remote adapters; a
// filesystem walk is always cheap enough to redo in full.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	docs := map[string]source.Document{}
	err := filepath.WalkDir(a.cfg.RootDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if a.skipDir(path) {
				return filepath.SkipDir
			}
			if a.depthOf(path) >= a.maxDepth() {
				return filepath.SkipDir
			}
			return nil
		}
		if a.depthOf(path) > a.maxDepth() || !a.matchesExtension(path) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable file")
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(a.cfg.RootDir, path)
		absPath, err := filepath.Abs(path)
		if err != nil {
			absPath = path
		}
		proc, err := content.Process(raw, "", "", path, relTitle(rel))
		if err != nil {
			a.log.Warn().Err(err).Str("path", path).Msg("skipping oversized file")
			return nil
		}
		doc := source.Document{
			ID:                documentID(absPath),
			Title:             proc.Title,
			Content:           proc.Content,
			SearchableContent: proc.SearchableContent,
			Source:            a.cfg.Name,
			SourceType:        source.TypeFilesystem,
			URL:               "file://" + path,
			LastModified:      info.ModTime(),
			Metadata:          proc.Metadata,
		}
		docs[doc.ID] = doc
		return nil
	})
	if err != nil {
		return false, source.NewError(source.CodeUpstream, a.cfg.Name+": walk failed", err)
	}

	idxDocs := make([]index.Document, 0, len(docs))
	for _, d := range docs {
		idxDocs = append(idxDocs, index.Document{
			ID: d.ID, Title: d.Title, SearchableContent: d.SearchableContent,
			Content: d.Content, PathOrURL: d.URL, Tags: tagsOf(d.Metadata),
		})
	}

	a.mu.Lock()
	a.docs = docs
	a.idx = index.New(idxDocs)
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) matchesExtension(path string) bool {
	extensions := a.cfg.Extensions
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// documentID derives the filesystem document ID deterministically from the
// absolute path, per spec.md §3's Data Model rule ("Filesystem: SHA-256 of
// absolute path"), so the same file always resolves to the same document
// across reindexes and restarts.
func documentID(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) Search(ctx context.Context, query string, filters source.Filters) ([]source.Result, error) {
	if !source.CategoriesMatch(a.cfg.Categories, filters.Categories) {
		return nil, nil
	}
	a.mu.RLock()
	idx := a.idx
	docs := a.docs
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
		d, ok := docs[m.ID]
		if !ok {
			continue
		}
		out = append(out, source.Result{
			Document:        d,
			ConfidenceScore: m.Score,
			MatchReasons:    m.MatchReasons,
			RetrievalTimeMs: time.Since(start).Milliseconds(),
		})
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
	_, err := os.Stat(a.cfg.RootDir)
	return source.Health{Healthy: err == nil, Detail: errString(err), Checked: time.Now()}
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return source.Metadata{Name: a.cfg.Name, Type: source.TypeFilesystem, DocumentCount: len(a.docs), LastIndexed: a.lastIndexed}
}

func (a *Adapter) Cleanup(ctx context.Context) error {
	if a.watcher != nil {
		close(a.done)
		return a.watcher.Close()
	}
	return nil
}

func relTitle(rel string) string {
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func tagsOf(meta map[string]any) []string {
	if meta == nil {
		return nil
	}
	if tags, ok := meta["tags"].([]string); ok {
		return tags
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
