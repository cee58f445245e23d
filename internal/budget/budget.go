// Package budget implements pre-flight admission control: given a user, a
// tier, and the estimated cost of the request, it answers allow, warn,
// degrade, or block. Evaluation is synchronous and side-effect-free;
// accounting happens post-request via Record.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Default warn/degrade ratios of the tier budget.
const (
	defaultWarnRatio    = 0.75
	defaultDegradeRatio = 0.90
)

// TierConfig is the budget envelope for one tier. Zero budgets are
// unlimited. ThresholdFloor is the quality floor applied under DEGRADE.
type TierConfig struct {
	DailyBudgetUSD   float64 `json:"daily_budget_usd,omitempty" yaml:"daily_budget_usd"`
	MonthlyBudgetUSD float64 `json:"monthly_budget_usd,omitempty" yaml:"monthly_budget_usd"`
	WarnRatio        float64 `json:"warn_ratio,omitempty" yaml:"warn_ratio"`
	DegradeRatio     float64 `json:"degrade_ratio,omitempty" yaml:"degrade_ratio"`
	ThresholdFloor   float64 `json:"threshold_floor,omitempty" yaml:"threshold_floor"`
}

// DefaultTiers is the configuration-overridable tier table.
func DefaultTiers() map[string]TierConfig {
	return map[string]TierConfig{
		"free":       {DailyBudgetUSD: 1, MonthlyBudgetUSD: 10, ThresholdFloor: 0.5},
		"pro":        {DailyBudgetUSD: 25, MonthlyBudgetUSD: 250, ThresholdFloor: 0.6},
		"enterprise": {}, // unlimited
	}
}

// window tracks cumulative spend for one accounting scope with wall-clock
// day and month resets.
type window struct {
	day        float64
	month      float64
	dayStart   time.Time
	monthStart time.Time
}

// Manager implements cascade.BudgetPolicy over a tier table and per-user
// spend windows. The zero user id accounts globally.
type Manager struct {
	mu          sync.RWMutex
	tiers       map[string]TierConfig
	defaultTier string
	spend       map[string]*window
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTier names the tier applied when a request carries none.
func WithDefaultTier(name string) Option {
	return func(m *Manager) { m.defaultTier = name }
}

// WithClock substitutes the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a manager. A nil tier table gets DefaultTiers.
func New(tiers map[string]TierConfig, opts ...Option) *Manager {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	m := &Manager{
		tiers:       tiers,
		defaultTier: "free",
		spend:       make(map[string]*window),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check evaluates admission for one request without mutating any state.
// Unknown tiers fall back to the default tier; tiers without budgets allow
// everything.
func (m *Manager) Check(userID, tier string, estimatedCost float64) cascade.TierDecision {
	cfg, tierName := m.tierConfig(tier)
	if cfg.DailyBudgetUSD <= 0 && cfg.MonthlyBudgetUSD <= 0 {
		return cascade.TierDecision{Action: cascade.TierAllow}
	}

	day, month := m.currentSpend(userID)

	if d, blocked := decide(day+estimatedCost, cfg.DailyBudgetUSD, cfg, tierName, "daily"); blocked {
		return d
	}
	if d, blocked := decide(month+estimatedCost, cfg.MonthlyBudgetUSD, cfg, tierName, "monthly"); blocked {
		return d
	}

	worst := cascade.TierDecision{Action: cascade.TierAllow}
	for _, d := range []cascade.TierDecision{
		soften(day+estimatedCost, cfg.DailyBudgetUSD, cfg, tierName, "daily"),
		soften(month+estimatedCost, cfg.MonthlyBudgetUSD, cfg, tierName, "monthly"),
	} {
		if rank(d.Action) > rank(worst.Action) {
			worst = d
		}
	}
	return worst
}

// decide handles the hard limit: projected spend at or over budget blocks.
func decide(projected, budget float64, cfg TierConfig, tier, scope string) (cascade.TierDecision, bool) {
	if budget <= 0 || projected < budget {
		return cascade.TierDecision{}, false
	}
	return cascade.TierDecision{
		Action: cascade.TierBlock,
		Reason: fmt.Sprintf("tier %s %s budget $%.2f exhausted", tier, scope, budget),
	}, true
}

// soften grades projected spend against the warn and degrade ratios.
func soften(projected, budget float64, cfg TierConfig, tier, scope string) cascade.TierDecision {
	if budget <= 0 {
		return cascade.TierDecision{Action: cascade.TierAllow}
	}
	warn := cfg.WarnRatio
	if warn <= 0 {
		warn = defaultWarnRatio
	}
	degrade := cfg.DegradeRatio
	if degrade <= 0 {
		degrade = defaultDegradeRatio
	}
	switch {
	case projected >= budget*degrade:
		return cascade.TierDecision{
			Action:         cascade.TierDegrade,
			Reason:         fmt.Sprintf("tier %s near %s budget ($%.2f of $%.2f)", tier, scope, projected, budget),
			ThresholdFloor: cfg.ThresholdFloor,
		}
	case projected >= budget*warn:
		return cascade.TierDecision{
			Action: cascade.TierWarn,
			Reason: fmt.Sprintf("tier %s approaching %s budget ($%.2f of $%.2f)", tier, scope, projected, budget),
		}
	}
	return cascade.TierDecision{Action: cascade.TierAllow}
}

func rank(a cascade.TierAction) int {
	switch a {
	case cascade.TierWarn:
		return 1
	case cascade.TierDegrade:
		return 2
	case cascade.TierBlock:
		return 3
	}
	return 0
}

// Record accumulates actual spend for the user's windows after the request
// completes.
func (m *Manager) Record(userID, tier string, cost float64) {
	if cost <= 0 {
		return
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.spend[userID]
	if !ok {
		w = &window{dayStart: dayOf(now), monthStart: monthOf(now)}
		m.spend[userID] = w
	}
	m.roll(w, now)
	w.day += cost
	w.month += cost
}

// Rehydrate seeds a user's month-to-date spend, typically from the run
// ledger at startup.
func (m *Manager) Rehydrate(userID string, monthSpend float64) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spend[userID] = &window{
		month:      monthSpend,
		dayStart:   dayOf(now),
		monthStart: monthOf(now),
	}
}

// currentSpend reads the user's windows, treating expired windows as empty
// without mutating them (Check stays side-effect-free).
func (m *Manager) currentSpend(userID string) (day, month float64) {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.spend[userID]
	if !ok {
		return 0, 0
	}
	if dayOf(now).Equal(w.dayStart) {
		day = w.day
	}
	if monthOf(now).Equal(w.monthStart) {
		month = w.month
	}
	return day, month
}

// roll resets expired windows. Caller holds m.mu.
func (m *Manager) roll(w *window, now time.Time) {
	if d := dayOf(now); !d.Equal(w.dayStart) {
		w.day = 0
		w.dayStart = d
	}
	if mo := monthOf(now); !mo.Equal(w.monthStart) {
		w.month = 0
		w.monthStart = mo
	}
}

func (m *Manager) tierConfig(tier string) (TierConfig, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cfg, ok := m.tiers[tier]; ok {
		return cfg, tier
	}
	if cfg, ok := m.tiers[m.defaultTier]; ok {
		return cfg, m.defaultTier
	}
	return TierConfig{}, tier
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func monthOf(t time.Time) time.Time {
	y, mo, _ := t.UTC().Date()
	return time.Date(y, mo, 1, 0, 0, 0, 0, time.UTC)
}
