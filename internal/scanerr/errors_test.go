package scanerr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindUpstreamTransient, cause, "chain fetch failed").WithProvider("tradier").WithSymbol("AAPL")

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause lost")
	}
	if KindOf(err) != KindUpstreamTransient {
		t.Fatalf("kind = %s", KindOf(err))
	}
	if ProviderOf(err) != "tradier" {
		t.Fatalf("provider = %s", ProviderOf(err))
	}
	if !IsRetryable(err) {
		t.Fatal("transient error must be retryable by default")
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	inner := New(KindAuth, "bad token")
	outer := fmt.Errorf("screening: %w", inner)
	if KindOf(outer) != KindAuth {
		t.Fatalf("kind lost through fmt wrapping: %s", KindOf(outer))
	}
	if IsRetryable(outer) {
		t.Fatal("auth errors are not retryable")
	}
}

func TestCountsTowardBreaker(t *testing.T) {
	cases := []struct {
		kind  Kind
		count bool
	}{
		{KindUpstreamTransient, true},
		{KindRateLimited, true},
		{KindUpstreamClient, false},
		{KindAuth, false},
		{KindParse, false},
		{KindNoData, false},
		{KindBudgetExceeded, false},
	}
	for _, c := range cases {
		if got := CountsTowardBreaker(New(c.kind, "x")); got != c.count {
			t.Errorf("CountsTowardBreaker(%s) = %v, want %v", c.kind, got, c.count)
		}
	}
	if CountsTowardBreaker(errors.New("plain")) {
		t.Error("plain errors must not count toward the breaker")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := New(KindRateLimited, "429").WithRetryAfter(7 * time.Second)
	if RetryAfter(err) != 7*time.Second {
		t.Fatalf("retry-after = %v", RetryAfter(err))
	}
	if RetryAfter(errors.New("plain")) != 0 {
		t.Fatal("plain errors carry no hint")
	}
}
