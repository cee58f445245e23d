// Package ratelimit gates provider calls behind per-provider request, token,
// and concurrency limits. The limiter never blocks: a denied request carries
// a retry-after hint and the caller decides what to do with it.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Policy is the per-provider limit set. Zero fields are unlimited.
type Policy struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute"`
	Concurrency       int `json:"concurrency,omitempty" yaml:"concurrency"`
}

// providerState holds the live gates for one provider.
type providerState struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	sem      *semaphore.Weighted
}

// Limiter implements cascade.Gate. Providers without a policy pass freely.
// EndRequest is mandatory on every exit path once StartRequest allowed the
// call; it releases the concurrency slot.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]Policy
	states   map[string]*providerState
}

// New builds a limiter over the given per-provider policies.
func New(policies map[string]Policy) *Limiter {
	l := &Limiter{
		policies: make(map[string]Policy, len(policies)),
		states:   make(map[string]*providerState, len(policies)),
	}
	for name, p := range policies {
		l.policies[name] = p
	}
	return l
}

// SetPolicy installs or replaces one provider's policy at runtime. The
// provider's counters restart.
func (l *Limiter) SetPolicy(provider string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[provider] = p
	delete(l.states, provider)
}

// state lazily builds the gates for a provider. Caller holds l.mu.
func (l *Limiter) state(provider string) *providerState {
	if s, ok := l.states[provider]; ok {
		return s
	}
	p, ok := l.policies[provider]
	if !ok {
		return nil
	}
	s := &providerState{}
	if p.RequestsPerMinute > 0 {
		s.requests = rate.NewLimiter(rate.Limit(float64(p.RequestsPerMinute)/60.0), p.RequestsPerMinute)
		// Start the window empty of credit beyond one immediate burst of
		// the full minute allowance.
	}
	if p.TokensPerMinute > 0 {
		s.tokens = rate.NewLimiter(rate.Limit(float64(p.TokensPerMinute)/60.0), p.TokensPerMinute)
	}
	if p.Concurrency > 0 {
		s.sem = semaphore.NewWeighted(int64(p.Concurrency))
	}
	l.states[provider] = s
	return s
}

// StartRequest admits or denies one call. tokenEstimate is charged against
// the token gate; estimates above the per-minute allowance are denied with a
// full-window hint rather than wedging the limiter.
func (l *Limiter) StartRequest(provider string, tokenEstimate int) cascade.Admission {
	l.mu.Lock()
	s := l.state(provider)
	l.mu.Unlock()
	if s == nil {
		return cascade.Admission{Allowed: true}
	}

	now := time.Now()

	if s.sem != nil && !s.sem.TryAcquire(1) {
		return cascade.Admission{
			Allowed:      false,
			RetryAfterMs: 1000,
			Reason:       fmt.Sprintf("provider %s at concurrency limit", provider),
		}
	}

	if s.requests != nil {
		res := s.requests.ReserveN(now, 1)
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			if s.sem != nil {
				s.sem.Release(1)
			}
			return cascade.Admission{
				Allowed:      false,
				RetryAfterMs: d.Milliseconds(),
				Reason:       fmt.Sprintf("provider %s request rate exceeded", provider),
			}
		}
	}

	if s.tokens != nil {
		if tokenEstimate < 1 {
			tokenEstimate = 1
		}
		if tokenEstimate > s.tokens.Burst() {
			if s.sem != nil {
				s.sem.Release(1)
			}
			return cascade.Admission{
				Allowed:      false,
				RetryAfterMs: time.Minute.Milliseconds(),
				Reason:       fmt.Sprintf("provider %s: estimate %d exceeds tokens-per-minute allowance", provider, tokenEstimate),
			}
		}
		res := s.tokens.ReserveN(now, tokenEstimate)
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			if s.sem != nil {
				s.sem.Release(1)
			}
			return cascade.Admission{
				Allowed:      false,
				RetryAfterMs: d.Milliseconds(),
				Reason:       fmt.Sprintf("provider %s token rate exceeded", provider),
			}
		}
	}

	return cascade.Admission{Allowed: true}
}

// EndRequest releases the concurrency slot taken by an allowed call.
func (l *Limiter) EndRequest(provider string) {
	l.mu.Lock()
	s := l.states[provider]
	l.mu.Unlock()
	if s != nil && s.sem != nil {
		s.sem.Release(1)
	}
}
