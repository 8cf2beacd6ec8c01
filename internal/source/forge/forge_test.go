package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/source"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/runbooks", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"runbooks"}`))
	})
	mux.HandleFunc("/repos/acme/runbooks/git/trees/HEAD", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tree":[{"path":"docs/disk-full.md","type":"blob","sha":"sha1"},{"path":"docs","type":"tree","sha":"sha2"}]}`))
	})
	mux.HandleFunc("/repos/acme/runbooks/contents/docs/disk-full.md", func(w http.ResponseWriter, r *http.Request) {
		content := base64.StdEncoding.EncodeToString([]byte("# Disk Full\n\n1. check disk\n2. clear logs\n"))
		body, _ := json.Marshal(map[string]string{"content": content, "encoding": "base64"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	return httptest.NewServer(mux)
}

func TestAdapter_Initialize_ValidatesTokenAndConfig(t *testing.T) {
	a := New(Config{Name: "forge"}, zerolog.Nop())
	if err := a.Initialize(context.Background()); source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig for missing repo info, got %v", err)
	}

	a2 := New(Config{Name: "forge", APIBaseURL: "http://x", Owner: "acme", Repo: "runbooks"}, zerolog.Nop())
	if err := a2.Initialize(context.Background()); source.CodeOf(err) != source.CodeAuth {
		t.Fatalf("expected CodeAuth for missing token, got %v", err)
	}
}

func TestAdapter_Initialize_InvalidCacheTTL(t *testing.T) {
	a := New(Config{Name: "forge", APIBaseURL: "http://x", Owner: "acme", Repo: "runbooks", Token: "tok", CacheTTL: "not-a-duration"}, zerolog.Nop())
	if err := a.Initialize(context.Background()); source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig for invalid cache_ttl, got %v", err)
	}
}

func TestAdapter_InitializeAndSearch(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	a := New(Config{Name: "forge", APIBaseURL: srv.URL, Owner: "acme", Repo: "runbooks", Token: "tok"}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Metadata().DocumentCount; got != 1 {
		t.Fatalf("expected 1 document (tree entries excluded), got %d", got)
	}

	results, err := a.Search(context.Background(), "disk full", source.Filters{Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || !strings.Contains(results[0].Document.Content, "check disk") {
		t.Fatalf("unexpected search results: %+v", results)
	}
}
