// limiter.go - Token bucket rate limiting.
//
// Limiter is the bucket shared by the backend delay and the per-principal
// admission limiter of the API.

package throttle

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so tests can drive the bucket deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Limiter implements a simple token bucket rate limiter
type Limiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
	clock        Clock
}

// NewLimiter creates a full bucket of maxTokens, refilled by refillRate tokens
// every refillPeriod.
func NewLimiter(maxTokens, refillRate int, refillPeriod time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock
	}
	if maxTokens <= 0 {
		maxTokens = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	if refillPeriod <= 0 {
		refillPeriod = time.Second
	}
	return &Limiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   clock.Now(),
		refillPeriod: refillPeriod,
		clock:        clock,
	}
}

// Allow consumes a token if one is available.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clock.Now())
	if l.tokens > 0 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done. It returns the time spent waiting.
func (l *Limiter) Wait(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.refill(now)
		if l.tokens > 0 {
			l.tokens--
			l.mu.Unlock()
			return waited, nil
		}
		wait := l.refillPeriod - now.Sub(l.lastRefill)
		l.mu.Unlock()

		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Tokens returns the current number of available tokens
func (l *Limiter) Tokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clock.Now())
	return l.tokens
}

// Reset refills the bucket.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = l.maxTokens
	l.lastRefill = l.clock.Now()
}

// state returns the bucket fields for integrity checks.
func (l *Limiter) state() (tokens, maxTokens int, lastRefill time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens, l.maxTokens, l.lastRefill
}

// refill must be called with l.mu held.
func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefill)
	refillCount := int(elapsed / l.refillPeriod)
	if refillCount > 0 {
		l.tokens += refillCount * l.refillRate
		if l.tokens > l.maxTokens {
			l.tokens = l.maxTokens
		}
		l.lastRefill = l.lastRefill.Add(time.Duration(refillCount) * l.refillPeriod)
	}
}

// PrincipalLimiter manages one bucket per principal.
type PrincipalLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*Limiter
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
	clock        Clock
}

// NewPrincipalLimiter creates a limiter handing out one bucket per principal.
func NewPrincipalLimiter(maxTokens, refillRate int, refillPeriod time.Duration, clock Clock) *PrincipalLimiter {
	return &PrincipalLimiter{
		limiters:     make(map[string]*Limiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		clock:        clock,
	}
}

// Allow checks if a request from a principal is allowed
func (pl *PrincipalLimiter) Allow(principal string) bool {
	pl.mu.Lock()
	limiter, exists := pl.limiters[principal]
	if !exists {
		limiter = NewLimiter(pl.maxTokens, pl.refillRate, pl.refillPeriod, pl.clock)
		pl.limiters[principal] = limiter
	}
	pl.mu.Unlock()

	return limiter.Allow()
}

// Tokens returns the remaining tokens for a principal.
func (pl *PrincipalLimiter) Tokens(principal string) int {
	pl.mu.Lock()
	limiter, exists := pl.limiters[principal]
	pl.mu.Unlock()

	if !exists {
		return pl.maxTokens
	}
	return limiter.Tokens()
}

// ResetAll resets all principal buckets.
func (pl *PrincipalLimiter) ResetAll() {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	for _, limiter := range pl.limiters {
		limiter.Reset()
	}
}
