package wiki

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/source"
)

const samplePage = `{"results":[{"id":"123","title":"Disk Full Runbook","body":{"storage":{"value":"<p>1. check disk</p><p>2. clear logs</p>"}},"metadata":{"labels":{"results":[{"name":"runbook"}]}},"_links":{"webui":"/pages/123"}}]}`

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := New(Config{Name: "wiki", BaseURL: srv.URL, SpaceKey: "OPS", Token: "tok"}, zerolog.Nop())
	return a, srv
}

func TestAdapter_Initialize_RequiresTokenAndBaseURL(t *testing.T) {
	a := New(Config{Name: "wiki", SpaceKey: "OPS"}, zerolog.Nop())
	if err := a.Initialize(context.Background()); source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig for missing base_url, got %v", err)
	}
	a2 := New(Config{Name: "wiki", BaseURL: "http://example.invalid", SpaceKey: "OPS"}, zerolog.Nop())
	if err := a2.Initialize(context.Background()); source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig for missing credentials, got %v", err)
	}
}

func TestAdapter_InitializeAndSearch(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Query().Get("cql"), "OPS") {
			t.Errorf("expected space key in cql, got %q", r.URL.Query().Get("cql"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePage))
	})
	defer srv.Close()

	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	results, err := a.Search(context.Background(), "disk", source.Filters{Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Document.Title != "Disk Full Runbook" {
		t.Fatalf("unexpected title: %q", results[0].Document.Title)
	}
}

func TestAdapter_SearchRunbooks_FansOutMultipleQueries(t *testing.T) {
	var queries []string
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query().Get("cql"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePage))
	})
	defer srv.Close()

	rbs, err := a.SearchRunbooks(context.Background(), "disk-full", "critical", []string{"storage"})
	if err != nil {
		t.Fatalf("SearchRunbooks: %v", err)
	}
	if len(queries) < 3 {
		t.Fatalf("expected multiple CQL queries fanned out, got %d: %v", len(queries), queries)
	}
	if len(rbs) == 0 {
		t.Fatalf("expected at least one extracted runbook")
	}
}

func TestAdapter_Search_UsesBasicAuthWhenUsernameSet(t *testing.T) {
	var gotAuth string
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePage))
	})
	defer srv.Close()
	a.cfg.Username = "alice"

	if _, err := a.Search(context.Background(), "disk", source.Filters{Limit: 5}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected basic auth header when username is set, got %q", gotAuth)
	}
}

func TestAdapter_GetDocument_NotFound(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
	})
	defer srv.Close()
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	_, err := a.GetDocument(context.Background(), "wiki:missing")
	if source.CodeOf(err) != source.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}
