package apikey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cascadeflow/cascadeflow/internal/ledger"
)

const budgetCacheTTL = 30 * time.Second

// BudgetExceededError is returned when an API key has exceeded its monthly budget.
type BudgetExceededError struct {
	BudgetUSD float64
	SpentUSD  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: budget=$%.2f, spent=$%.4f", e.BudgetUSD, e.SpentUSD)
}

type cachedSpend struct {
	amount    float64
	expiresAt time.Time
}

// BudgetChecker validates per-API-key monthly spending limits against the
// run ledger. A short in-memory cache keeps the DB off the hot path.
type BudgetChecker struct {
	store ledger.Store
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedSpend // api_key_id -> cached spend
}

// NewBudgetChecker creates a new BudgetChecker.
func NewBudgetChecker(s ledger.Store) *BudgetChecker {
	return &BudgetChecker{
		store: s,
		now:   time.Now,
		cache: make(map[string]cachedSpend),
	}
}

// CheckBudget verifies whether the API key is within its monthly spending limit.
// Returns nil if the budget is unlimited (0) or not exceeded.
// Returns a *BudgetExceededError if the monthly spend exceeds the budget.
func (bc *BudgetChecker) CheckBudget(ctx context.Context, rec *ledger.APIKeyRecord) error {
	if rec == nil || rec.MonthlyBudgetUSD <= 0 {
		return nil // unlimited
	}

	spent, err := bc.getSpend(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("budget check: %w", err)
	}

	if spent >= rec.MonthlyBudgetUSD {
		return &BudgetExceededError{
			BudgetUSD: rec.MonthlyBudgetUSD,
			SpentUSD:  spent,
		}
	}
	return nil
}

// getSpend returns the calendar-month spend for an API key, using cache when
// available.
func (bc *BudgetChecker) getSpend(ctx context.Context, apiKeyID string) (float64, error) {
	bc.mu.RLock()
	if cached, ok := bc.cache[apiKeyID]; ok && bc.now().Before(cached.expiresAt) {
		bc.mu.RUnlock()
		return cached.amount, nil
	}
	bc.mu.RUnlock()

	now := bc.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	spent, err := bc.store.KeySpendSince(ctx, apiKeyID, monthStart)
	if err != nil {
		return 0, err
	}

	bc.mu.Lock()
	bc.cache[apiKeyID] = cachedSpend{
		amount:    spent,
		expiresAt: bc.now().Add(budgetCacheTTL),
	}
	bc.mu.Unlock()

	return spent, nil
}

// InvalidateCache removes the cached spend for a specific API key.
// Call this after recording a run so the next budget check is fresh.
func (bc *BudgetChecker) InvalidateCache(apiKeyID string) {
	bc.mu.Lock()
	delete(bc.cache, apiKeyID)
	bc.mu.Unlock()
}
