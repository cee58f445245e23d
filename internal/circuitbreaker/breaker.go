// Package circuitbreaker gates batch dispatch to the Temporal cluster.
// Batches normally take the durable path; once dispatch fails often enough
// the gate opens and batches run in process for a cooldown, after which a
// single probe batch tests whether the cluster is back.
package circuitbreaker

import (
	"sync"
	"time"
)

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Config tunes the gate. Zero values fall back to 3 consecutive failures
// and a 30 second cooldown.
type Config struct {
	Threshold int           // consecutive dispatch failures before the gate opens
	Cooldown  time.Duration // how long the gate stays open before probing
	Now       func() time.Time
}

// Breaker tracks consecutive dispatch failures. It stores no explicit state
// enum; open and probing are derived from the failure count, the time the
// gate opened, and whether a probe is in flight.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	failures int
	openedAt time.Time
	probing  bool
	trips    int
}

// New builds a closed Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether the next batch may attempt the durable path. While
// the gate is open it admits exactly one probe per cooldown; everything else
// falls back in process.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.cfg.Threshold {
		return true
	}
	if b.probing {
		return false
	}
	if b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the gate. A successful probe counts the same as a
// successful dispatch while closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
}

// RecordFailure counts one failed dispatch. Reaching the threshold, or
// failing the probe, opens the gate and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probing {
		b.probing = false
		b.openedAt = b.cfg.Now()
		b.trips++
		return
	}
	b.failures++
	if b.failures == b.cfg.Threshold {
		b.openedAt = b.cfg.Now()
		b.trips++
	}
}

// Status names the current position of the gate: closed, open, or probing.
func (b *Breaker) Status() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.failures < b.cfg.Threshold:
		return "closed"
	case b.probing:
		return "probing"
	default:
		return "open"
	}
}

// Trips returns how many times the gate has opened since construction.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
