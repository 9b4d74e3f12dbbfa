// Package keys selects which API credential each remote call uses and paces
// calls so the aggregate rate across all keys stays under a per-project
// ceiling.
package keys

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoCredentials means no key was configured at all. Surfaced before
	// any remote call is attempted.
	ErrNoCredentials = errors.New("no API credentials configured")

	// ErrExhausted means every free key failed the current call and no paid
	// key or cooldown retry could recover it.
	ErrExhausted = errors.New("all API credentials exhausted")
)

// QuotaError marks a call failure as quota- or auth-related (429/403), which
// the rotator recovers from by advancing to the next key. Remote clients wrap
// their provider errors to satisfy this.
type QuotaError interface {
	error
	Quota() bool
}

// IsQuotaError reports whether err is a quota/auth failure worth rotating past.
func IsQuotaError(err error) bool {
	var qe QuotaError
	return errors.As(err, &qe) && qe.Quota()
}

// CallFunc performs one remote call with the given API key.
type CallFunc func(ctx context.Context, apiKey string) (string, error)

// Rotator round-robins an ordered list of free-tier keys and optionally falls
// back to a single paid key. All state is owned here; callers never see which
// key served a call.
type Rotator struct {
	mu      sync.Mutex
	free    []string
	paid    string
	counter int

	perKeyPerMinute int
	maxPerMinute    int
	maxCooldown     time.Duration
	logger          *zap.Logger
}

// New creates a Rotator. paid may be empty.
func New(free []string, paid string, perKeyPerMinute, maxPerMinute, maxCooldownSec int, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rotator{
		free:            append([]string(nil), free...),
		paid:            paid,
		perKeyPerMinute: perKeyPerMinute,
		maxPerMinute:    maxPerMinute,
		maxCooldown:     time.Duration(maxCooldownSec) * time.Second,
		logger:          logger,
	}
}

// HasPaid reports whether a paid credential is configured. The orchestrator
// uses this to pick its execution strategy.
func (r *Rotator) HasPaid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paid != ""
}

// KeyCount returns the number of free keys.
func (r *Rotator) KeyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// Do runs one logical remote call. Free keys are tried proactively in
// round-robin order; on a quota/auth failure the next untried free key is used
// within the same call. Once every free key has failed: a paid key, if
// configured, serves the call immediately with no delay; otherwise the rotator
// waits out the provider's "retry after N seconds" hint (bounded, with a
// default when the error carries none) and makes exactly one more cooldown
// pass before surfacing ErrExhausted.
func (r *Rotator) Do(ctx context.Context, call CallFunc) (string, error) {
	r.mu.Lock()
	free := append([]string(nil), r.free...)
	paid := r.paid
	start := 0
	if len(free) > 0 {
		start = r.counter % len(free)
		r.counter++
	}
	r.mu.Unlock()

	if len(free) == 0 && paid == "" {
		return "", ErrNoCredentials
	}

	out, lastErr, ok := r.tryFree(ctx, call, free, start)
	if ok {
		return out, lastErr
	}

	if paid != "" {
		r.logger.Info("free keys exhausted, switching to paid credential")
		return call(ctx, paid)
	}

	if lastErr != nil {
		wait := parseRetryAfter(lastErr.Error(), r.maxCooldown)
		if wait == 0 {
			wait = defaultCooldown
			if wait > r.maxCooldown {
				wait = r.maxCooldown
			}
		}
		r.logger.Warn("all free keys failed, cooling down",
			zap.Duration("wait", wait),
		)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, lastErr, ok = r.tryFree(ctx, call, free, start)
		if ok {
			return out, lastErr
		}
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return "", errors.Join(ErrExhausted, lastErr)
}

// tryFree attempts the call with every free key once, starting at start.
// Returns ok=true when the call either succeeded or failed for a reason key
// rotation cannot fix.
func (r *Rotator) tryFree(ctx context.Context, call CallFunc, free []string, start int) (string, error, bool) {
	var lastErr error
	for i := range free {
		key := free[(start+i)%len(free)]
		out, err := call(ctx, key)
		if err == nil {
			return out, nil, true
		}
		if !IsQuotaError(err) {
			return "", err, true
		}
		r.logger.Warn("credential hit quota, rotating",
			zap.Int("key_index", (start+i)%len(free)),
			zap.Error(err),
		)
		lastErr = err
	}
	return "", lastErr, false
}

// PacingDelay is the inter-call delay for free-tier runs: the aggregate rate
// of perKeyPerMinute across all free keys, capped by the per-project ceiling.
// Paid-tier runs never pace.
func (r *Rotator) PacingDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paid != "" || len(r.free) == 0 {
		return 0
	}
	rate := r.perKeyPerMinute * len(r.free)
	if r.maxPerMinute > 0 && rate > r.maxPerMinute {
		rate = r.maxPerMinute
	}
	if rate <= 0 {
		return 0
	}
	return time.Minute / time.Duration(rate)
}

// defaultCooldown is the wait before the single retry pass when the provider
// error carries no retry-after hint. Still bounded by the configured maximum.
const defaultCooldown = 30 * time.Second

var retryAfterRe = regexp.MustCompile(`(?i)retry(?:\s+in|\s+after|Delay\D{0,3})\s*(\d+(?:\.\d+)?)\s*s`)

// parseRetryAfter pulls a "retry after N seconds" hint out of a provider error
// message, bounded to max. Returns 0 when no hint is found.
func parseRetryAfter(msg string, max time.Duration) time.Duration {
	m := retryAfterRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	if d > max {
		d = max
	}
	return d
}
