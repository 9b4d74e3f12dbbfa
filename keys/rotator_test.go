package keys

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeQuotaErr struct{ msg string }

func (e *fakeQuotaErr) Error() string { return e.msg }
func (e *fakeQuotaErr) Quota() bool   { return true }

func newTestRotator(free []string, paid string) *Rotator {
	return New(free, paid, 10, 30, 65, nil)
}

func TestRoundRobinFairness(t *testing.T) {
	free := []string{"k0", "k1", "k2"}
	r := newTestRotator(free, "")

	const n = 10
	used := map[string]int{}
	for i := 0; i < n; i++ {
		_, err := r.Do(context.Background(), func(_ context.Context, key string) (string, error) {
			used[key]++
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Over N calls with K keys, each key serves floor(N/K) or ceil(N/K).
	for key, count := range used {
		if count != n/len(free) && count != n/len(free)+1 {
			t.Errorf("key %s used %d times, want %d or %d", key, count, n/len(free), n/len(free)+1)
		}
	}
}

func TestAdvancesPastQuotaFailures(t *testing.T) {
	r := newTestRotator([]string{"bad0", "bad1", "good"}, "")

	var tried []string
	out, err := r.Do(context.Background(), func(_ context.Context, key string) (string, error) {
		tried = append(tried, key)
		if key != "good" {
			return "", &fakeQuotaErr{msg: "quota exceeded"}
		}
		return "served", nil
	})
	if err != nil || out != "served" {
		t.Fatalf("got %q, %v", out, err)
	}
	if len(tried) != 3 {
		t.Errorf("tried %v, want all three keys within one logical call", tried)
	}
}

func TestNonQuotaErrorPropagatesWithoutRotation(t *testing.T) {
	r := newTestRotator([]string{"k0", "k1"}, "")
	boom := errors.New("network down")

	calls := 0
	_, err := r.Do(context.Background(), func(_ context.Context, _ string) (string, error) {
		calls++
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped network error", err)
	}
	if calls != 1 {
		t.Errorf("non-quota failure should not rotate, made %d calls", calls)
	}
}

func TestPaidFallbackIsImmediate(t *testing.T) {
	r := newTestRotator([]string{"free0", "free1"}, "paid")

	var order []string
	start := time.Now()
	out, err := r.Do(context.Background(), func(_ context.Context, key string) (string, error) {
		order = append(order, key)
		if key != "paid" {
			return "", &fakeQuotaErr{msg: "quota exceeded, retry in 30s"}
		}
		return "paid-served", nil
	})
	if err != nil || out != "paid-served" {
		t.Fatalf("got %q, %v", out, err)
	}
	if order[len(order)-1] != "paid" {
		t.Errorf("call order %v, want paid key last", order)
	}
	// Paid fallback never waits for a free-tier cooldown.
	if time.Since(start) > time.Second {
		t.Error("paid fallback blocked on cooldown")
	}
}

func TestCooldownRetryPassInFreeOnlyMode(t *testing.T) {
	r := New([]string{"k0"}, "", 10, 30, 65, nil)

	calls := 0
	out, err := r.Do(context.Background(), func(_ context.Context, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "", &fakeQuotaErr{msg: "quota exceeded, retry in 0.01s"}
		}
		return "recovered", nil
	})
	if err != nil || out != "recovered" {
		t.Fatalf("got %q, %v after cooldown pass", out, err)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want exactly one cooldown-and-retry pass", calls)
	}
}

func TestCooldownPassRunsWithoutRetryHint(t *testing.T) {
	// A quota error with no retry-after hint still gets the single
	// cooldown-and-retry pass. Zero max cooldown keeps the test instant.
	r := New([]string{"k0"}, "", 10, 30, 0, nil)

	calls := 0
	out, err := r.Do(context.Background(), func(_ context.Context, _ string) (string, error) {
		calls++
		if calls == 1 {
			return "", &fakeQuotaErr{msg: "quota exceeded"}
		}
		return "recovered", nil
	})
	if err != nil || out != "recovered" {
		t.Fatalf("got %q, %v after hintless cooldown pass", out, err)
	}
	if calls != 2 {
		t.Errorf("made %d calls, want 2", calls)
	}
}

func TestExhaustedAfterCooldownPass(t *testing.T) {
	r := New([]string{"k0", "k1"}, "", 10, 30, 65, nil)

	calls := 0
	_, err := r.Do(context.Background(), func(_ context.Context, _ string) (string, error) {
		calls++
		return "", &fakeQuotaErr{msg: "quota exceeded, retry in 0.01s"}
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	// 2 keys tried, then exactly one more full pass after cooldown.
	if calls != 4 {
		t.Errorf("made %d calls, want 4", calls)
	}
}

func TestNoCredentials(t *testing.T) {
	r := newTestRotator(nil, "")
	_, err := r.Do(context.Background(), func(_ context.Context, _ string) (string, error) {
		t.Fatal("call func invoked with no credentials")
		return "", nil
	})
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestPacingDelay(t *testing.T) {
	// 3 keys at 10/min each = 30/min aggregate, exactly at the ceiling: 2s.
	r := New([]string{"a", "b", "c"}, "", 10, 30, 65, nil)
	if got := r.PacingDelay(); got != 2*time.Second {
		t.Errorf("delay = %v, want 2s", got)
	}

	// 5 keys would be 50/min; the project ceiling of 30/min wins.
	r = New([]string{"a", "b", "c", "d", "e"}, "", 10, 30, 65, nil)
	if got := r.PacingDelay(); got != 2*time.Second {
		t.Errorf("delay = %v, want ceiling-bound 2s", got)
	}

	// Paid runs never pace.
	r = New([]string{"a"}, "paid", 10, 30, 65, nil)
	if got := r.PacingDelay(); got != 0 {
		t.Errorf("delay = %v, want 0 with paid key", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := []struct {
		msg  string
		want time.Duration
	}{
		{"quota exceeded, retry in 12s", 12 * time.Second},
		{"Retry after 3.5s", 3500 * time.Millisecond},
		{"retryDelay: 40s", 40 * time.Second},
		{"retry in 900s", 65 * time.Second}, // bounded by max
		{"no hint here", 0},
	}
	for _, c := range cases {
		if got := parseRetryAfter(c.msg, 65*time.Second); got != c.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}
