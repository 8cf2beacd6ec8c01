package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchClient_Do_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := &FetchClient{MaxAttempts: 2}
	res, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Fatalf("body = %q", res.Body)
	}
}

func TestFetchClient_Do_RetriesOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	c := &FetchClient{MaxAttempts: 3}
	res, err := c.Do(context.Background(), Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(res.Body) != "recovered" {
		t.Fatalf("body = %q", res.Body)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestFetchClient_Do_TranslatesStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		code   Code
	}{
		{http.StatusUnauthorized, CodeAuth},
		{http.StatusForbidden, CodeAuth},
		{http.StatusNotFound, CodeNotFound},
		{http.StatusTeapot, CodeUpstream},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := &FetchClient{MaxAttempts: 1}
		_, err := c.Do(context.Background(), Request{URL: srv.URL})
		srv.Close()
		if CodeOf(err) != tc.code {
			t.Fatalf("status %d: expected code %s, got %v", tc.status, tc.code, err)
		}
	}
}

func TestFetchClient_Do_RateLimitedWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := &FetchClient{MaxAttempts: 1}
	_, err := c.Do(context.Background(), Request{URL: srv.URL})
	if CodeOf(err) != CodeRateLimited {
		t.Fatalf("expected CodeRateLimited, got %v", err)
	}
	serr := err.(*Error)
	if serr.ResetAt.Before(time.Now().Add(20 * time.Second)) {
		t.Fatalf("expected ResetAt ~30s out, got %v", serr.ResetAt)
	}
}

func TestFetchClient_Do_RejectsNonHTTPScheme(t *testing.T) {
	c := &FetchClient{MaxAttempts: 1}
	_, err := c.Do(context.Background(), Request{URL: "file:///etc/passwd"})
	if CodeOf(err) != CodeConfig {
		t.Fatalf("expected CodeConfig for unsupported scheme, got %v", err)
	}
}
