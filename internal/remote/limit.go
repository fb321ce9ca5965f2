package remote

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/chmdznr/ghsync/internal/errs"
)

// Limiter is the process-wide rate-limit gate shared by every request a
// client issues. Backends feed it the quota they observe; Wait blocks callers
// while the quota is exhausted or while an engine-wide backoff is in force.
type Limiter struct {
	mu          sync.Mutex
	remaining   int // -1 while unknown
	reset       time.Time
	pausedUntil time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter returns a Limiter with unknown quota.
func NewLimiter() *Limiter {
	return &Limiter{
		remaining: -1,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Observe records the quota reported by the remote.
func (l *Limiter) Observe(remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining = remaining
	l.reset = reset
}

// Pause holds every caller of Wait for at least d. Overlapping pauses extend
// the window rather than stacking.
func (l *Limiter) Pause(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
}

// State returns the last observed quota.
func (l *Limiter) State() (remaining int, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining, l.reset
}

// Wait blocks until a request may be dispatched or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d := l.delay()
		if d <= 0 {
			return errs.Wrap(errs.KindCanceled, "wait for rate limit", ctx.Err())
		}
		if err := l.sleep(ctx, d); err != nil {
			return errs.Wrap(errs.KindCanceled, "wait for rate limit", err)
		}
	}
}

func (l *Limiter) delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var d time.Duration
	if l.pausedUntil.After(now) {
		d = l.pausedUntil.Sub(now)
	}
	if l.remaining == 0 && l.reset.After(now) {
		if r := l.reset.Sub(now); r > d {
			d = r
		}
	}
	return d
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns five attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	}
}

// Backoff returns the delay before attempt+1: exponential growth capped at
// MaxDelay with jitter in [d/2, d].
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + rand.N(half+1)
}

// Retry runs fn until it succeeds, fails permanently, or the policy is
// exhausted. Rate-limit failures pause the shared limiter so that sibling
// requests back off together; network failures back off locally.
func Retry(ctx context.Context, l *Limiter, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if l != nil {
			if werr := l.Wait(ctx); werr != nil {
				return werr
			}
		} else if ctx.Err() != nil {
			return errs.Wrap(errs.KindCanceled, "retry", ctx.Err())
		}

		err = fn(ctx)
		if err == nil || !errs.Retryable(err) || attempt == attempts {
			return err
		}

		delay := p.Backoff(attempt)
		if errs.Cause(err) == errs.KindRateLimit {
			if hint := errs.RetryAfterOf(err); hint > delay {
				delay = hint
				if p.MaxDelay > 0 && delay > p.MaxDelay {
					delay = p.MaxDelay
				}
			}
			if l != nil {
				l.Pause(delay)
				continue
			}
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return errs.Wrap(errs.KindCanceled, "retry", serr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
