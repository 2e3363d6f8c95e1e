package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/config"
)

// breakerState is the failure-tracking state of one configuration.
//
//	stateClosed   — normal operation; requests pass through.
//	stateOpen     — the configuration is failing; requests are rejected with
//	                503 until the recovery timeout elapses.
//	stateHalfOpen — recovery probe; one request is allowed through.
type breakerState int

const (
	stateClosed   breakerState = 0
	stateOpen     breakerState = 1
	stateHalfOpen breakerState = 2
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// configBreaker holds per-configuration failure state.
type configBreaker struct {
	mu sync.Mutex

	state         breakerState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker tripped
	probeInflight bool      // a half-open probe is in flight
}

// Breaker tracks upstream failures per configuration id. There is no failover:
// an open breaker rejects requests for that configuration outright.
//
// onState, when set, is called with the configuration's public name and new
// numeric state after every transition (metrics export).
type Breaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	breakers map[int64]*configBreaker
	onState  func(name string, state int64)
}

// NewBreaker creates a Breaker with the given thresholds. Zero values fall
// back to the configuration defaults (5 failures / 5 min window / 10 min
// recovery).
func NewBreaker(cfg config.CircuitBreakerConfig, onState func(name string, state int64)) *Breaker {
	if cfg.ErrorThreshold < 1 {
		cfg.ErrorThreshold = 5
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = 5 * time.Minute
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 10 * time.Minute
	}
	return &Breaker{
		cfg:      cfg,
		breakers: make(map[int64]*configBreaker),
		onState:  onState,
	}
}

// Allow reports whether the configuration should receive the next request.
//
//   - Closed   → true.
//   - Open     → false until RecoveryTimeout has elapsed, then the breaker
//     moves to half-open and allows one probe.
//   - HalfOpen → true only when no probe is in flight.
func (b *Breaker) Allow(id int64, name string) bool {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true

	case stateOpen:
		if time.Since(cb.openedAt) >= b.cfg.RecoveryTimeout {
			cb.state = stateHalfOpen
			cb.probeInflight = true
			b.notify(name, stateHalfOpen)
			return true
		}
		return false

	case stateHalfOpen:
		if cb.probeInflight {
			return false
		}
		cb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the configuration to closed.
func (b *Breaker) RecordSuccess(id int64, name string) {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	changed := cb.state != stateClosed
	cb.state = stateClosed
	cb.errorCount = 0
	cb.probeInflight = false
	cb.windowStart = time.Now()
	if changed {
		b.notify(name, stateClosed)
	}
}

// RecordFailure counts one failure inside the rolling window; reaching the
// threshold opens the breaker. A failed half-open probe reopens immediately.
func (b *Breaker) RecordFailure(id int64, name string) {
	cb := b.get(id)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	if now.Sub(cb.windowStart) > b.cfg.TimeWindow {
		cb.errorCount = 0
		cb.windowStart = now
	}

	cb.errorCount++
	wasProbe := cb.state == stateHalfOpen
	cb.probeInflight = false

	if wasProbe || cb.errorCount >= b.cfg.ErrorThreshold {
		if cb.state != stateOpen {
			b.notify(name, stateOpen)
		}
		cb.state = stateOpen
		cb.openedAt = now
	}
}

// State returns the current state for metrics and health reporting.
func (b *Breaker) State(id int64) breakerState {
	cb := b.get(id)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (b *Breaker) notify(name string, s breakerState) {
	if b.onState != nil {
		b.onState(name, int64(s))
	}
}

func (b *Breaker) get(id int64) *configBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[id]
	if !ok {
		cb = &configBreaker{state: stateClosed, windowStart: time.Now()}
		b.breakers[id] = cb
	}
	return cb
}
