package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestChecker_AllowedAndDisallowed(t *testing.T) {
	t.Parallel()
	body := "User-agent: *\nDisallow: /private\nAllow: /private/public-ish\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := &Checker{UserAgent: "runbookd-test", AllowPrivateHosts: true}
	ctx := context.Background()

	if !c.Allowed(ctx, srv.URL+"/docs/incident-101") {
		t.Fatalf("expected /docs/incident-101 to be allowed")
	}
	if c.Allowed(ctx, srv.URL+"/private/secret") {
		t.Fatalf("expected /private/secret to be disallowed")
	}
	if !c.Allowed(ctx, srv.URL+"/private/public-ish") {
		t.Fatalf("expected more specific Allow to win over Disallow")
	}
}

func TestChecker_MemoizesFetch(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer srv.Close()

	c := &Checker{AllowPrivateHosts: true}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if !c.Allowed(ctx, srv.URL+"/anything") {
			t.Fatalf("expected allowed")
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected robots.txt to be fetched once, got %d hits", got)
	}
}

func TestChecker_MissingRobotsTxtDefaultsAllowed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := &Checker{AllowPrivateHosts: true}
	if !c.Allowed(context.Background(), srv.URL+"/docs/anything") {
		t.Fatalf("expected missing robots.txt to default to allowed")
	}
}

func TestChecker_PrivateHostDisallowedByDefault(t *testing.T) {
	t.Parallel()
	c := &Checker{}
	if c.Allowed(context.Background(), "http://127.0.0.1:9999/docs") {
		t.Fatalf("expected loopback host to be disallowed without AllowPrivateHosts")
	}
}

func TestParseRobots_GroupsAndCrawlDelay(t *testing.T) {
	t.Parallel()
	rules := parseRobots("User-agent: Testbot\nDisallow: /a\nCrawl-delay: 2\n\nUser-agent: *\nDisallow: /b\n")
	if len(rules.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(rules.Groups))
	}
	if rules.Groups[0].CrawlDelay == nil || *rules.Groups[0].CrawlDelay != 2*1e9 {
		t.Fatalf("expected crawl-delay of 2s on first group, got %v", rules.Groups[0].CrawlDelay)
	}
}
