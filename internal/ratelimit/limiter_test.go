package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/hyperifyio/runbookd/internal/source"
)

func TestLimiter_Before_EnforcesMinInterval(t *testing.T) {
	l := New(Config{MinInterval: 50 * time.Millisecond})
	ctx := context.Background()
	if err := l.Before(ctx); err != nil {
		t.Fatalf("first Before: %v", err)
	}
	start := time.Now()
	if err := l.Before(ctx); err != nil {
		t.Fatalf("second Before: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("expected Before to wait out min interval, elapsed %v", elapsed)
	}
}

func TestLimiter_Before_HourlyQuotaExhausted(t *testing.T) {
	l := New(Config{MinInterval: time.Millisecond, HourlyLimit: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Before(ctx); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		l.After(0, time.Time{})
	}
	err := l.Before(ctx)
	if source.CodeOf(err) != source.CodeRateLimited {
		t.Fatalf("expected CodeRateLimited after quota exhausted, got %v", err)
	}
}

func TestLimiter_Before_RespectsReportedRemaining(t *testing.T) {
	l := New(Config{MinInterval: time.Millisecond, HourlyLimit: 1000, SafetyBuffer: 5})
	ctx := context.Background()
	if err := l.Before(ctx); err != nil {
		t.Fatalf("Before: %v", err)
	}
	l.After(1, time.Now().Add(time.Minute)) // below SafetyBuffer
	err := l.Before(ctx)
	if source.CodeOf(err) != source.CodeRateLimited {
		t.Fatalf("expected CodeRateLimited when remaining below safety buffer, got %v", err)
	}
}

func TestLimiter_Exhausted_SetsResetAt(t *testing.T) {
	l := New(Config{MinInterval: time.Millisecond})
	reset := time.Now().Add(10 * time.Minute)
	err := l.Exhausted(reset)
	if err.Code != source.CodeRateLimited {
		t.Fatalf("code = %v", err.Code)
	}
	if !err.ResetAt.Equal(reset) {
		t.Fatalf("ResetAt = %v, want %v", err.ResetAt, reset)
	}
}

func TestRegistry_Get_LazilyConstructsPerName(t *testing.T) {
	var built []string
	reg := NewRegistry(func(name string) Config {
		built = append(built, name)
		return Config{MinInterval: time.Millisecond}
	})
	l1 := reg.Get("wiki")
	l2 := reg.Get("wiki")
	if l1 != l2 {
		t.Fatalf("expected same limiter instance for repeated Get")
	}
	reg.Get("forge")
	if len(built) != 2 {
		t.Fatalf("expected factory called once per distinct name, got %v", built)
	}
}
