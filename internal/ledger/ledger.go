// Package ledger persists finished runs and the service's durable records
// (API keys, model catalog, domain policies, vault blob, audit trail) in
// SQLite. The run table is fed from the event bus, answers spend-since
// queries for budget rehydration, and backs the runs API.
package ledger

import (
	"context"
	"time"
)

// Store is the persistence interface for the service.
type Store interface {
	// Run ledger
	RecordRun(ctx context.Context, r RunRecord) error
	ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error)
	GetRun(ctx context.Context, traceID string) (*RunRecord, error)
	SpendSince(ctx context.Context, since time.Time) ([]UserSpend, error)
	KeySpendSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error)

	// Model catalog (admin CRUD)
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, id string) error

	// Domain policies (admin CRUD)
	ListDomains(ctx context.Context) ([]DomainRecord, error)
	UpsertDomain(ctx context.Context, d DomainRecord) error
	DeleteDomain(ctx context.Context, name string) error

	// API keys
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Audit trail
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// RunRecord is the persisted form of a finished run.
type RunRecord struct {
	ID            int64     `json:"id"`
	TraceID       string    `json:"trace_id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id,omitempty"`
	APIKeyID      string    `json:"api_key_id,omitempty"`
	Tier          string    `json:"tier,omitempty"`
	Domain        string    `json:"domain,omitempty"`
	Strategy      string    `json:"strategy"`
	ModelUsed     string    `json:"model_used"`
	DraftAccepted bool      `json:"draft_accepted"`
	TotalTokens   int       `json:"total_tokens"`
	CostUSD       float64   `json:"cost_usd"`
	CostSavedUSD  float64   `json:"cost_saved_usd"`
	LatencyMs     int64     `json:"latency_ms"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}

// UserSpend is aggregated spend for one user since some instant.
type UserSpend struct {
	UserID   string  `json:"user_id"`
	Tier     string  `json:"tier,omitempty"`
	TotalUSD float64 `json:"total_usd"`
}

// ModelRecord is the persisted form of a model catalog entry.
type ModelRecord struct {
	ID            string  `json:"id"`
	Provider      string  `json:"provider"`
	InputPer1K    float64 `json:"input_per_1k"`
	OutputPer1K   float64 `json:"output_per_1k"`
	Quality       float64 `json:"quality"`
	AvgLatencyMs  int     `json:"avg_latency_ms"`
	MaxTokens     int     `json:"max_tokens"`
	SupportsTools bool    `json:"supports_tools"`
	Enabled       bool    `json:"enabled"`
}

// DomainRecord is the persisted form of a domain routing policy. The list
// fields hold JSON arrays of strings.
type DomainRecord struct {
	Name            string  `json:"name"`
	Keywords        string  `json:"keywords"`
	PreferredModels string  `json:"preferred_models"`
	ExcludedModels  string  `json:"excluded_models"`
	Threshold       float64 `json:"threshold"`
	Temperature     float64 `json:"temperature"`
	RequireExpert   bool    `json:"require_expert"`
	Block           bool    `json:"block"`
}

// APIKeyRecord is the persisted form of an API key. Tier and
// MonthlyBudgetUSD override the defaults for requests made with the key.
type APIKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`
	KeyPrefix        string     `json:"key_prefix"`
	Name             string     `json:"name"`
	Tier             string     `json:"tier,omitempty"`
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Enabled          bool       `json:"enabled"`
}

// AuditEntry captures an admin mutation for the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`               // e.g. "model.upsert", "key.rotate"
	Resource  string    `json:"resource"`             // e.g. "gpt-4o-mini"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}
