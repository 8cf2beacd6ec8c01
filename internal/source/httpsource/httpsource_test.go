package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/runbookd/internal/source"
)

func TestAdapter_Initialize_RequiresEndpoints(t *testing.T) {
	a := New(Config{Name: "http"}, zerolog.Nop())
	if err := a.Initialize(context.Background()); source.CodeOf(err) != source.CodeConfig {
		t.Fatalf("expected CodeConfig, got %v", err)
	}
}

func TestAdapter_CSSExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/robots.txt":
			http.NotFound(w, r)
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body><div class="doc"><h2>Disk Full</h2><p>check disk usage</p></div><div class="doc"><h2>Unrelated</h2><p>lunch menu</p></div></body></html>`))
		}
	}))
	defer srv.Close()

	a := New(Config{Name: "http", Endpoints: []Endpoint{{Name: "listing", URL: srv.URL, ExtractKind: ExtractCSS, ExtractRule: "div.doc", TitleRule: "h2"}}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Metadata().DocumentCount; got != 2 {
		t.Fatalf("expected 2 extracted documents, got %d", got)
	}
	results, err := a.Search(context.Background(), "disk full", source.Filters{Limit: 5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one match")
	}
}

func TestAdapter_JSONPathExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"title":"Restart Service","body":"1. stop\n2. start"}]}`))
	}))
	defer srv.Close()

	a := New(Config{Name: "http", Endpoints: []Endpoint{{Name: "api", URL: srv.URL, ExtractKind: ExtractJSONPath, ExtractRule: "$.items[*]"}}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := a.Metadata().DocumentCount; got != 1 {
		t.Fatalf("expected 1 document, got %d", got)
	}
}

func TestAdapter_CSSExtraction_StampsEndpointMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div class="doc"><h2>Disk Full</h2><p>check disk usage</p></div></body></html>`))
	}))
	defer srv.Close()

	a := New(Config{Name: "http", Endpoints: []Endpoint{{Name: "listing", URL: srv.URL, ExtractKind: ExtractCSS, ExtractRule: "div.doc", TitleRule: "h2"}}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, d := range a.docs {
		if d.Metadata["endpoint"] != "listing" {
			t.Fatalf("expected metadata[endpoint]=listing, got %v", d.Metadata["endpoint"])
		}
	}
}

func TestAdapter_POSTSubstitutesQueryIntoBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		b := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(b)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	a := New(Config{Name: "http", Endpoints: []Endpoint{{
		Name: "search", URL: srv.URL, Method: "POST", Body: `{"q":"${query}"}`,
		ExtractKind: ExtractJSONPath, ExtractRule: "$.items[*]",
	}}}, zerolog.Nop())
	if _, err := a.Search(context.Background(), "disk full", source.Filters{Limit: 5}); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotBody != `{"q":"disk full"}` {
		t.Fatalf("expected ${query} substituted into POST body, got %q", gotBody)
	}
}

func TestAdapter_RobotsDisallowBlocksFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /\n"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>should not be fetched</body></html>`))
	}))
	defer srv.Close()

	a := New(Config{Name: "http", Endpoints: []Endpoint{{Name: "listing", URL: srv.URL + "/docs"}}}, zerolog.Nop())
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should not hard-fail on robots disallow: %v", err)
	}
	if got := a.Metadata().DocumentCount; got != 0 {
		t.Fatalf("expected 0 documents when robots.txt disallows the endpoint, got %d", got)
	}
}
