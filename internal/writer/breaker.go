// Package writer implements the bulk-insert writer and its circuit breaker:
// drain the writer handoff channel into size/time-bounded
// batches, flush each via a single bulk insert, and short-circuit to
// failover once the raw table looks unhealthy.
//
// The breaker below is adapted from the generic three-state circuit breaker
// pattern the rest of this codebase already uses for outbound dependency
// calls, generalized here to the writer's specific trip/cooldown/probe
// contract.
package writer

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

var (
	// ErrCircuitOpen is returned by Breaker.Allow when the breaker is open
	// and short-circuiting calls.
	ErrCircuitOpen = errors.New("writer circuit is open")
)

// BreakerConfig controls the writer circuit breaker's trip/cooldown
// behaviour (defaults: 3 consecutive failures to trip, 30s cooldown,
// 50-200ms jittered backoff). Retries is taken as given, so zero means a
// single attempt; only a negative Retries is replaced by the default of 2.
type BreakerConfig struct {
	Name string
	ConsecutiveToTrip int
	Cooldown time.Duration
	Retries int
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "raw_events"
	}
	if c.ConsecutiveToTrip <= 0 {
		c.ConsecutiveToTrip = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Retries < 0 {
		c.Retries = 2
	}
	if c.RetryBackoffMin <= 0 {
		c.RetryBackoffMin = 50 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 200 * time.Millisecond
	}
	return c
}

// TripInfo records why and when the breaker last tripped, exposed to the
// health probe.
type TripInfo struct {
	Reason string
	At time.Time
}

// Breaker is the writer's circuit breaker: Closed (normal), Open (failing,
// short-circuit to failover), HalfOpen (single probe attempt allowed).
type Breaker struct {
	cfg BreakerConfig

	mu sync.Mutex
	state State
	consecutiveFailures int
	openedAt time.Time
	lastTrip TripInfo
	halfOpenProbeInUse bool

	now func() time.Time
}

// NewBreaker creates a Breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg: cfg.withDefaults(),
		state: StateClosed,
		now: time.Now,
	}
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked()
	return b.state
}

func (b *Breaker) maybeExpireCooldownLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen, "cooldown elapsed")
	}
}

// Allow reports whether a flush attempt may proceed right now. In HalfOpen,
// only a single probe is allowed in flight at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeExpireCooldownLocked()

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenProbeInUse {
			return ErrCircuitOpen
		}
		b.halfOpenProbeInUse = true
		return nil
	default:
		return nil
	}
}

// FlushFunc performs one batch flush attempt.
type FlushFunc func() error

// Flush executes fn under the breaker's protection: retries up to
// cfg.Retries times with jittered backoff on failure (a permanent error is
// not retried), then records the outcome against the trip threshold.
func (b *Breaker) Flush(fn FlushFunc) error {
	if err := b.Allow(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt <= b.cfg.Retries; attempt++ {
		err = fn()
		if err == nil {
			b.onSuccess()
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			break
		}
		if attempt < b.cfg.Retries {
			time.Sleep(jitteredBackoff(b.cfg.RetryBackoffMin, b.cfg.RetryBackoffMax))
		}
	}

	b.onFailure(err)
	return err
}

func jitteredBackoff(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	if b.state == StateHalfOpen {
		b.halfOpenProbeInUse = false
		b.transitionLocked(StateClosed, "probe succeeded")
	}
}

func (b *Breaker) onFailure(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenProbeInUse = false
		b.openedAt = b.now()
		b.transitionLocked(StateOpen, fmt.Sprintf("probe failed: %v", cause))
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.cfg.ConsecutiveToTrip {
		b.openedAt = b.now()
		b.transitionLocked(StateOpen, fmt.Sprintf("%d consecutive batch failures: %v", b.consecutiveFailures, cause))
	}
}

func (b *Breaker) transitionLocked(to State, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateOpen {
		b.lastTrip = TripInfo{Reason: reason, At: b.now()}
		b.consecutiveFailures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	} else {
		log.Printf("[WRITER] circuit %q: %s -> %s (%s)", b.cfg.Name, from, to, reason)
	}
}

// Reset forces the breaker back to Closed. Double-reset is a no-op.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenProbeInUse = false
	b.transitionLocked(StateClosed, "operator reset")
}

// LastTrip reports the most recent trip reason/timestamp, zero-valued if
// the breaker has never tripped.
func (b *Breaker) LastTrip() TripInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTrip
}
