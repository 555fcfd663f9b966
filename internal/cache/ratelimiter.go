package cache

import (
	"context"
	"sync/atomic"
	"time"
)

// MaxConcurrentRequests bounds in-flight remote requests across the whole
// cache, per §4.1 of the chunked streaming cache core.
const MaxConcurrentRequests = 6

// RateLimiter bounds concurrent remote requests to MaxConcurrentRequests
// via a counting semaphore, and layers a server-requested backoff
// deadline ("penalty") on top: Acquire always obtains a permit first, and
// only then waits out any still-pending penalty, holding the permit for
// the length of that wait.
type RateLimiter struct {
	sem            chan struct{}
	ratelimitedFor atomic.Int64 // unix nanos deadline; 0 means none
}

// NewRateLimiter constructs a limiter with the default concurrency
// ceiling.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{sem: make(chan struct{}, MaxConcurrentRequests)}
}

// Permit is held by the caller of Acquire for the duration of one remote
// request; Release must be called exactly once.
type Permit struct {
	rl *RateLimiter
}

// Release returns the permit to the limiter.
func (p Permit) Release() {
	<-p.rl.sem
}

// Acquire obtains one of the MaxConcurrentRequests permits, then sleeps
// out any pending penalty deadline before returning it. The penalty check
// happens after the permit is held, matching the reference semantics:
// holding a permit while asleep on a penalty is intentional, since the
// penalty represents a server-wide backoff that should also throttle
// concurrency during the wait.
func (r *RateLimiter) Acquire(ctx context.Context) (Permit, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return Permit{}, ctx.Err()
	}

	for {
		deadline := r.ratelimitedFor.Load()
		if deadline == 0 {
			break
		}
		remaining := time.Until(time.Unix(0, deadline))
		if remaining <= 0 {
			r.ratelimitedFor.CompareAndSwap(deadline, 0)
			break
		}
		t := time.NewTimer(remaining)
		select {
		case <-t.C:
			r.ratelimitedFor.CompareAndSwap(deadline, 0)
		case <-ctx.Done():
			t.Stop()
			<-r.sem
			return Permit{}, ctx.Err()
		}
	}

	return Permit{rl: r}, nil
}

// Penalize records a backoff deadline `now + seconds`, overwriting any
// earlier deadline unconditionally. Called when the remote signals
// rate-limiting (HTTP 429) independent of any hinted Retry-After value.
func (r *RateLimiter) Penalize(seconds float64) {
	deadline := time.Now().Add(time.Duration(seconds * float64(time.Second)))
	r.ratelimitedFor.Store(deadline.UnixNano())
}
