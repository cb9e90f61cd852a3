package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalScope is the rate-limiter scope used by manual force refreshes.
// Scheduled fetches use the account id as their scope.
const GlobalScope = "global"

// RateLimiter enforces a minimum spacing between fetch attempts per scope.
// Each scope carries an independent single-token bucket that refills once
// per minimum interval, so the first acquire always succeeds and later ones
// succeed only after the interval has elapsed.
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	scopes      map[string]*rate.Limiter
}

func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		scopes:      make(map[string]*rate.Limiter),
	}
}

// TryAcquire attempts to take the scope's token. On rejection it reports
// how long the caller must wait; scope state is only advanced on success.
func (rl *RateLimiter) TryAcquire(scope string) (granted bool, retryAfter time.Duration) {
	rl.mu.Lock()
	lim, ok := rl.scopes[scope]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rl.minInterval), 1)
		rl.scopes[scope] = lim
	}
	rl.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// SetMinInterval changes the spacing for all scopes, existing and future.
func (rl *RateLimiter) SetMinInterval(minInterval time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.minInterval = minInterval
	for _, lim := range rl.scopes {
		lim.SetLimit(rate.Every(minInterval))
	}
}

// Forget drops a scope's state (account removed).
func (rl *RateLimiter) Forget(scope string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.scopes, scope)
}
