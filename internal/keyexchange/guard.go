package keyexchange

import (
	"sync"
	"time"
)

// failureGuard blocks an address after repeated failed exchanges.
type failureGuard struct {
	mu            sync.Mutex
	attempts      map[string]*ipAttempts
	maxAttempts   int
	blockDuration time.Duration
}

type ipAttempts struct {
	count     int
	blockedAt time.Time
}

func newFailureGuard(maxAttempts int, blockDuration time.Duration) *failureGuard {
	return &failureGuard{
		attempts:      make(map[string]*ipAttempts),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
	}
}

// Check reports whether ip may try again.
func (g *failureGuard) Check(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.attempts[ip]
	if !ok {
		return true
	}
	if !a.blockedAt.IsZero() {
		if time.Since(a.blockedAt) < g.blockDuration {
			return false
		}
		delete(g.attempts, ip)
		return true
	}
	return a.count < g.maxAttempts
}

func (g *failureGuard) RecordFailure(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune()

	a, ok := g.attempts[ip]
	if !ok {
		a = &ipAttempts{}
		g.attempts[ip] = a
	}
	a.count++
	if a.count >= g.maxAttempts {
		a.blockedAt = time.Now()
	}
}

func (g *failureGuard) RecordSuccess(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, ip)
}

// prune drops expired blocks. Caller holds g.mu.
func (g *failureGuard) prune() {
	for ip, a := range g.attempts {
		if !a.blockedAt.IsZero() && time.Since(a.blockedAt) > g.blockDuration {
			delete(g.attempts, ip)
		}
	}
}
