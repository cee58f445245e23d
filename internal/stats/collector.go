// Package stats keeps rolling in-memory aggregates of finished runs: request
// volume, draft acceptance, escalations, spend, savings, and latency
// percentiles over standard windows. The collector feeds the stats API and
// is itself fed from the event manager, so it adds no work to the pipeline's
// hot path beyond one callback.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Snapshot is a single data point recorded for a finished run.
type Snapshot struct {
	Timestamp     time.Time
	Model         string
	Domain        string
	Strategy      string
	Cascaded      bool
	DraftAccepted bool
	LatencyMs     float64
	CostUSD       float64
	CostSavedUSD  float64
	TotalTokens   int
	Success       bool
	ErrorKind     string
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for one time window.
type Aggregate struct {
	Window         string  `json:"window"`
	Model          string  `json:"model,omitempty"`
	Domain         string  `json:"domain,omitempty"`
	RunCount       int     `json:"run_count"`
	ErrorCount     int     `json:"error_count"`
	ErrorRate      float64 `json:"error_rate"`
	CascadeCount   int     `json:"cascade_count"`
	AcceptCount    int     `json:"accept_count"`
	AcceptanceRate float64 `json:"acceptance_rate"`
	EscalationRate float64 `json:"escalation_rate"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TotalSavedUSD  float64 `json:"total_saved_usd"`
	TotalTokens    int     `json:"total_tokens"`
}

// Collector maintains rolling snapshots for the stats API.
type Collector struct {
	mu        sync.RWMutex
	snapshots []Snapshot
	maxAge    time.Duration // oldest snapshot to keep
	windows   []Window
	now       func() time.Time
}

// NewCollector creates a collector over the default windows.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // slightly more than the largest window
		now:     time.Now,
	}
}

// Callback returns the event consumer that records finished and failed runs.
// Register it with the event manager.
func (c *Collector) Callback() cascade.Callback {
	return func(e cascade.MetricEvent) {
		switch e.Type {
		case cascade.MetricQueryComplete:
			s := Snapshot{Timestamp: e.At, Success: true}
			s.Model, _ = e.Data["model_used"].(string)
			s.Strategy, _ = e.Data["strategy"].(string)
			s.Cascaded = s.Strategy == string(cascade.StrategyCascade)
			s.DraftAccepted, _ = e.Data["draft_accepted"].(bool)
			s.CostUSD, _ = e.Data["total_cost"].(float64)
			s.CostSavedUSD, _ = e.Data["cost_saved"].(float64)
			if ms, ok := e.Data["total_ms"].(int64); ok {
				s.LatencyMs = float64(ms)
			}
			c.Record(s)
		case cascade.MetricQueryError:
			kind, _ := e.Data["kind"].(string)
			c.Record(Snapshot{Timestamp: e.At, Success: false, ErrorKind: kind})
		}
	}
}

// Record adds a new snapshot.
func (c *Collector) Record(s Snapshot) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now().UTC()
	}
	c.mu.Lock()
	c.snapshots = append(c.snapshots, s)
	c.mu.Unlock()
}

// Seed bulk-loads historical snapshots (from the run ledger on startup) so
// the stats API is not blank after a restart.
func (c *Collector) Seed(snapshots []Snapshot) {
	c.mu.Lock()
	c.snapshots = append(c.snapshots, snapshots...)
	c.mu.Unlock()
}

// Prune removes snapshots older than maxAge.
func (c *Collector) Prune() {
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired snapshots. Caller holds c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.snapshots) && c.snapshots[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.snapshots = c.snapshots[i:]
	}
}

// snapshotsAfterPrune prunes under the write lock and returns a copy, so a
// concurrent Record cannot slip between the prune and the read.
func (c *Collector) snapshotsAfterPrune() []Snapshot {
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]Snapshot, len(c.snapshots))
	copy(cp, c.snapshots)
	c.mu.Unlock()
	return cp
}

// Summary returns aggregates for all windows grouped by serving model.
func (c *Collector) Summary() map[string][]Aggregate {
	return c.grouped(func(s Snapshot) string { return s.Model }, func(a *Aggregate, key string) {
		a.Model = key
	})
}

// SummaryByDomain returns aggregates for all windows grouped by domain.
func (c *Collector) SummaryByDomain() map[string][]Aggregate {
	return c.grouped(func(s Snapshot) string { return s.Domain }, func(a *Aggregate, key string) {
		a.Domain = key
	})
}

func (c *Collector) grouped(key func(Snapshot) string, tag func(*Aggregate, string)) map[string][]Aggregate {
	snapshots := c.snapshotsAfterPrune()
	now := c.now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		groups := make(map[string][]Snapshot)
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				groups[key(s)] = append(groups[key(s)], s)
			}
		}
		for k, snaps := range groups {
			a := computeAggregate(w.Name, snaps)
			tag(&a, k)
			result[w.Name] = append(result[w.Name], a)
		}
		sort.Slice(result[w.Name], func(i, j int) bool {
			return result[w.Name][i].Model+result[w.Name][i].Domain <
				result[w.Name][j].Model+result[w.Name][j].Domain
		})
	}
	return result
}

// Global returns aggregates across all models and domains.
func (c *Collector) Global() []Aggregate {
	snapshots := c.snapshotsAfterPrune()
	now := c.now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var snaps []Snapshot
		for _, s := range snapshots {
			if s.Timestamp.After(cutoff) {
				snaps = append(snaps, s)
			}
		}
		if len(snaps) > 0 {
			result = append(result, computeAggregate(w.Name, snaps))
		}
	}
	return result
}

// SnapshotCount returns the number of stored snapshots.
func (c *Collector) SnapshotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}

func computeAggregate(window string, snaps []Snapshot) Aggregate {
	a := Aggregate{Window: window, RunCount: len(snaps)}

	var latencies []float64
	var latencySum float64
	for _, s := range snaps {
		if !s.Success {
			a.ErrorCount++
			continue
		}
		a.TotalCostUSD += s.CostUSD
		a.TotalSavedUSD += s.CostSavedUSD
		a.TotalTokens += s.TotalTokens
		latencies = append(latencies, s.LatencyMs)
		latencySum += s.LatencyMs
		if s.Cascaded {
			a.CascadeCount++
			if s.DraftAccepted {
				a.AcceptCount++
			}
		}
	}

	if a.RunCount > 0 {
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RunCount)
	}
	if a.CascadeCount > 0 {
		a.AcceptanceRate = float64(a.AcceptCount) / float64(a.CascadeCount)
		a.EscalationRate = 1 - a.AcceptanceRate
	}
	if len(latencies) > 0 {
		a.AvgLatencyMs = latencySum / float64(len(latencies))
		sort.Float64s(latencies)
		a.P50LatencyMs = percentile(latencies, 0.50)
		a.P95LatencyMs = percentile(latencies, 0.95)
	}
	return a
}

// percentile reads the p-th percentile from sorted values using the
// nearest-rank method.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
