package source

import (
	"errors"
	"testing"
	"time"
)

func TestNewError_WrapsAndFormats(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(CodeUpstream, "fetch failed", cause)
	if err.Error() != "UPSTREAM: fetch failed" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestRateLimited_CarriesResetAt(t *testing.T) {
	reset := time.Now().Add(5 * time.Minute)
	err := RateLimited(reset)
	if err.Code != CodeRateLimited {
		t.Fatalf("code = %v", err.Code)
	}
	if !err.ResetAt.Equal(reset) {
		t.Fatalf("ResetAt = %v, want %v", err.ResetAt, reset)
	}
}

func TestCodeOf_NonTypedError(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code, got %q", got)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(NewError(CodeNotFound, "x", nil)) {
		t.Fatalf("expected IsNotFound true")
	}
	if IsNotFound(NewError(CodeUpstream, "x", nil)) {
		t.Fatalf("expected IsNotFound false")
	}
}
