// Package idempotency replays responses for repeated run and batch
// submissions that carry the same Idempotency-Key. Keys are scoped to the
// method and path they were first seen on, so one client key used against
// both /v1/run and /v1/batch names two independent submissions.
package idempotency

import (
	"net/http"
	"sync"
	"time"
)

// stored is one captured response awaiting replay.
type stored struct {
	status  int
	header  http.Header
	body    []byte
	savedAt time.Time
}

// Cache holds captured responses for the replay window. Entries expire after
// the TTL and the oldest entry is dropped when the cache is full.
type Cache struct {
	mu      sync.Mutex
	byKey   map[string]*stored
	order   []string // insertion order, drives eviction
	ttl     time.Duration
	cap     int
	janitor chan struct{}
}

// New builds a Cache and starts a janitor goroutine that sweeps expired
// entries. Stop must be called to release it.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		byKey:   make(map[string]*stored),
		ttl:     ttl,
		cap:     maxEntries,
		janitor: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Stop terminates the janitor.
func (c *Cache) Stop() {
	close(c.janitor)
}

func (c *Cache) lookup(key string) (*stored, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byKey[key]
	if !ok || time.Since(s.savedAt) > c.ttl {
		return nil, false
	}
	return s, true
}

func (c *Cache) store(key string, s *stored) {
	s.savedAt = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byKey[key]; !exists {
		for c.cap > 0 && len(c.byKey) >= c.cap && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.byKey, oldest)
		}
		c.order = append(c.order, key)
	}
	c.byKey[key] = s
}

func (c *Cache) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			c.sweep()
		case <-c.janitor:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-c.ttl)
	kept := c.order[:0]
	for _, key := range c.order {
		s, ok := c.byKey[key]
		if !ok {
			continue
		}
		if s.savedAt.Before(cutoff) {
			delete(c.byKey, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

// size reports live entries, for tests.
func (c *Cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}
