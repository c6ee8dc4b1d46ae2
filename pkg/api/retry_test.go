package api

import (
	"testing"
	"time"
)

func TestRetryPolicy_Attempts(t *testing.T) {
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Fatalf("zero policy: expected 1 attempt, got %d", got)
	}
	if got := (RetryPolicy{MaxAttempts: 5}).Attempts(); got != 5 {
		t.Fatalf("expected 5 attempts, got %d", got)
	}
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        300 * time.Millisecond,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond, // capped from 400ms
		300 * time.Millisecond,
	}
	for i, exp := range want {
		if got := p.Delay(i + 1); got != exp {
			t.Fatalf("Delay(%d) = %v, want %v", i+1, got, exp)
		}
	}
}

func TestRetryPolicy_DelayWithoutBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	if got := p.Delay(1); got != 0 {
		t.Fatalf("expected zero delay, got %v", got)
	}
}

func TestRetryPolicy_DefaultMultiplier(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond}
	if got := p.Delay(2); got != 100*time.Millisecond {
		t.Fatalf("expected default doubling, got %v", got)
	}
}
