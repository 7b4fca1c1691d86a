package fedclient

import (
	"sync"
	"time"
)

// breakerState mirrors the same explicit state-machine idiom dendrite's
// rate limiter uses for per-destination token buckets, applied here to
// per-destination health instead of per-client request rate: closed
// (healthy), open (errant, failing fast), half-open (probing).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Breaker tracks one destination's circuit: a sequence of failures marks
// the destination errant until its cooloff expires, after which the next
// request is allowed through as a probe.
type Breaker struct {
	mu            sync.Mutex
	state         breakerState
	failures      int
	threshold     int
	cooloff       time.Duration
	openedAt      time.Time
	halfOpenInUse bool
}

// NewBreaker constructs a Breaker that opens after threshold consecutive
// failures and stays open for cooloff before probing again.
func NewBreaker(threshold int, cooloff time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooloff: cooloff}
}

// Allow reports whether a request to this destination should be
// attempted now. It returns false (fail fast) while the breaker is open
// and its cooloff has not yet elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.openedAt) < b.cooloff {
			return false
		}
		b.state = breakerHalfOpen
		b.halfOpenInUse = true
		return true
	case breakerHalfOpen:
		// Only one probe in flight at a time; further callers fail fast
		// until the probe resolves.
		if b.halfOpenInUse {
			return false
		}
		b.halfOpenInUse = true
		return true
	default:
		return true
	}
}

// RecordSuccess clears the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = breakerClosed
	b.halfOpenInUse = false
}

// RecordFailure counts a failure, opening the breaker once threshold
// consecutive failures accumulate (or immediately, if the failing
// request was a half-open probe).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halfOpenInUse = false
	if b.state == breakerHalfOpen {
		b.openBreaker()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openBreaker()
	}
}

func (b *Breaker) openBreaker() {
	b.state = breakerOpen
	b.openedAt = time.Now()
}

// Errant reports whether the breaker currently considers the destination
// errant (open, not yet eligible for a probe).
func (b *Breaker) Errant() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen && time.Since(b.openedAt) < b.cooloff
}

// Pool manages one Breaker per destination server name.
type Pool struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooloff   time.Duration
}

// NewPool constructs a Pool whose per-destination breakers use the given
// threshold and cooloff.
func NewPool(threshold int, cooloff time.Duration) *Pool {
	return &Pool{breakers: make(map[string]*Breaker), threshold: threshold, cooloff: cooloff}
}

// For returns the Breaker for serverName, creating one on first use.
func (p *Pool) For(serverName string) *Breaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[serverName]
	if !ok {
		b = NewBreaker(p.threshold, p.cooloff)
		p.breakers[serverName] = b
	}
	return b
}
