package observability

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current disposition.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a few probe calls through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Do while the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// halfOpenProbes is how many consecutive successes close a half-open
// breaker; a single failure during probing reopens it.
const halfOpenProbes = 3

// Breaker guards a repeatedly failing outbound dependency so its callers
// stop paying connect timeouts once the dependency is clearly down. After
// maxFailures consecutive failures the breaker opens for cooldown, then
// admits probe calls until it either closes again or reopens.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker builds a closed breaker named for metrics and log lines.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{name: name, maxFailures: maxFailures, cooldown: cooldown}
}

// Do runs fn under the breaker. While open it returns ErrBreakerOpen
// without invoking fn; fn's own error is returned otherwise.
func (b *Breaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrBreakerOpen
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	allowed := b.state != BreakerOpen
	ObserveBreakerState(b.name, b.state)
	return allowed
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
			if b.state != BreakerOpen {
				BreakerOpenTotal.WithLabelValues(b.name).Inc()
			}
			b.state = BreakerOpen
			b.successes = 0
		}
	} else {
		switch b.state {
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= halfOpenProbes {
				b.state = BreakerClosed
				b.failures = 0
				b.successes = 0
			}
		case BreakerClosed:
			b.failures = 0
		}
	}
	ObserveBreakerState(b.name, b.state)
}

// State returns the breaker's current state without admitting a call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed, clearing its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
	ObserveBreakerState(b.name, b.state)
}
