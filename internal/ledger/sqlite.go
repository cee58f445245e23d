package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency. In-memory
	// databases are per-connection, so they get a single shared connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying sql.DB handle (shared with the TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			model_used TEXT NOT NULL DEFAULT '',
			draft_accepted INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			cost_saved_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_kind TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON runs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_trace ON runs(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			input_per_1k REAL NOT NULL DEFAULT 0,
			output_per_1k REAL NOT NULL DEFAULT 0,
			quality REAL NOT NULL DEFAULT 0,
			avg_latency_ms INTEGER NOT NULL DEFAULT 0,
			max_tokens INTEGER NOT NULL DEFAULT 4096,
			supports_tools INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS domains (
			name TEXT PRIMARY KEY,
			keywords TEXT NOT NULL DEFAULT '[]',
			preferred_models TEXT NOT NULL DEFAULT '[]',
			excluded_models TEXT NOT NULL DEFAULT '[]',
			threshold REAL NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			require_expert INTEGER NOT NULL DEFAULT 0,
			block INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			monthly_budget_usd REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Callback returns the event consumer that persists finished and failed runs.
// Register it with the event manager. Write errors are dropped: the ledger
// must never fail a run that already completed.
func (s *SQLiteStore) Callback() cascade.Callback {
	return func(e cascade.MetricEvent) {
		switch e.Type {
		case cascade.MetricQueryComplete:
			r := RunRecord{TraceID: e.TraceID, Timestamp: e.At, Success: true}
			r.ModelUsed, _ = e.Data["model_used"].(string)
			r.Strategy, _ = e.Data["strategy"].(string)
			r.Domain, _ = e.Data["domain"].(string)
			r.UserID, _ = e.Data["user_id"].(string)
			r.Tier, _ = e.Data["tier"].(string)
			r.APIKeyID, _ = e.Data["api_key_id"].(string)
			r.DraftAccepted, _ = e.Data["draft_accepted"].(bool)
			r.CostUSD, _ = e.Data["total_cost"].(float64)
			r.CostSavedUSD, _ = e.Data["cost_saved"].(float64)
			r.TotalTokens, _ = e.Data["total_tokens"].(int)
			r.LatencyMs, _ = e.Data["total_ms"].(int64)
			_ = s.RecordRun(context.Background(), r)
		case cascade.MetricQueryError:
			kind, _ := e.Data["kind"].(string)
			_ = s.RecordRun(context.Background(), RunRecord{
				TraceID:   e.TraceID,
				Timestamp: e.At,
				Success:   false,
				ErrorKind: kind,
			})
		}
	}
}

// Run ledger

func (s *SQLiteStore) RecordRun(ctx context.Context, r RunRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (trace_id, timestamp, user_id, api_key_id, tier, domain, strategy,
		 model_used, draft_accepted, total_tokens, cost_usd, cost_saved_usd, latency_ms, success, error_kind)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TraceID, r.Timestamp.UTC().UnixMilli(), r.UserID, r.APIKeyID, r.Tier,
		r.Domain, r.Strategy, r.ModelUsed, boolInt(r.DraftAccepted), r.TotalTokens,
		r.CostUSD, r.CostSavedUSD, r.LatencyMs, boolInt(r.Success), r.ErrorKind)
	return err
}

const runColumns = `id, trace_id, timestamp, user_id, api_key_id, tier, domain, strategy,
	 model_used, draft_accepted, total_tokens, cost_usd, cost_saved_usd, latency_ms, success, error_kind`

func scanRun(row interface{ Scan(...any) error }) (RunRecord, error) {
	var r RunRecord
	var ts int64
	var accepted, success int
	err := row.Scan(&r.ID, &r.TraceID, &ts, &r.UserID, &r.APIKeyID, &r.Tier, &r.Domain,
		&r.Strategy, &r.ModelUsed, &accepted, &r.TotalTokens, &r.CostUSD, &r.CostSavedUSD,
		&r.LatencyMs, &success, &r.ErrorKind)
	if err != nil {
		return r, err
	}
	r.Timestamp = time.UnixMilli(ts).UTC()
	r.DraftAccepted = accepted != 0
	r.Success = success != 0
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetRun(ctx context.Context, traceID string) (*RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE trace_id = ? ORDER BY id DESC LIMIT 1`, traceID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SpendSince aggregates successful-run spend per user since the given
// instant. The budget manager rehydrates monthly windows from this.
func (s *SQLiteStore) SpendSince(ctx context.Context, since time.Time) ([]UserSpend, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, MAX(tier), SUM(cost_usd) FROM runs
		 WHERE timestamp >= ? AND success = 1 AND user_id != ''
		 GROUP BY user_id`, since.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var spends []UserSpend
	for rows.Next() {
		var u UserSpend
		if err := rows.Scan(&u.UserID, &u.Tier, &u.TotalUSD); err != nil {
			return nil, err
		}
		spends = append(spends, u)
	}
	return spends, rows.Err()
}

// KeySpendSince sums successful-run spend for one API key since the given
// instant. Per-key monthly budget checks use this.
func (s *SQLiteStore) KeySpendSince(ctx context.Context, apiKeyID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM runs WHERE api_key_id = ? AND timestamp >= ? AND success = 1`,
		apiKeyID, since.UTC().UnixMilli()).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// Model catalog

func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, input_per_1k, output_per_1k, quality, avg_latency_ms, max_tokens, supports_tools, enabled
		 FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []ModelRecord
	for rows.Next() {
		var m ModelRecord
		var tools, enabled int
		if err := rows.Scan(&m.ID, &m.Provider, &m.InputPer1K, &m.OutputPer1K, &m.Quality,
			&m.AvgLatencyMs, &m.MaxTokens, &tools, &enabled); err != nil {
			return nil, err
		}
		m.SupportsTools = tools != 0
		m.Enabled = enabled != 0
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*ModelRecord, error) {
	var m ModelRecord
	var tools, enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider, input_per_1k, output_per_1k, quality, avg_latency_ms, max_tokens, supports_tools, enabled
		 FROM models WHERE id = ?`, id).
		Scan(&m.ID, &m.Provider, &m.InputPer1K, &m.OutputPer1K, &m.Quality,
			&m.AvgLatencyMs, &m.MaxTokens, &tools, &enabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.SupportsTools = tools != 0
	m.Enabled = enabled != 0
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m ModelRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (id, provider, input_per_1k, output_per_1k, quality, avg_latency_ms, max_tokens, supports_tools, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider=excluded.provider,
		   input_per_1k=excluded.input_per_1k,
		   output_per_1k=excluded.output_per_1k,
		   quality=excluded.quality,
		   avg_latency_ms=excluded.avg_latency_ms,
		   max_tokens=excluded.max_tokens,
		   supports_tools=excluded.supports_tools,
		   enabled=excluded.enabled`,
		m.ID, m.Provider, m.InputPer1K, m.OutputPer1K, m.Quality,
		m.AvgLatencyMs, m.MaxTokens, boolInt(m.SupportsTools), boolInt(m.Enabled))
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

// Domain policies

func (s *SQLiteStore) ListDomains(ctx context.Context) ([]DomainRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, keywords, preferred_models, excluded_models, threshold, temperature, require_expert, block
		 FROM domains ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var domains []DomainRecord
	for rows.Next() {
		var d DomainRecord
		var expert, block int
		if err := rows.Scan(&d.Name, &d.Keywords, &d.PreferredModels, &d.ExcludedModels,
			&d.Threshold, &d.Temperature, &expert, &block); err != nil {
			return nil, err
		}
		d.RequireExpert = expert != 0
		d.Block = block != 0
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

func (s *SQLiteStore) UpsertDomain(ctx context.Context, d DomainRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO domains (name, keywords, preferred_models, excluded_models, threshold, temperature, require_expert, block)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   keywords=excluded.keywords,
		   preferred_models=excluded.preferred_models,
		   excluded_models=excluded.excluded_models,
		   threshold=excluded.threshold,
		   temperature=excluded.temperature,
		   require_expert=excluded.require_expert,
		   block=excluded.block`,
		d.Name, jsonOrEmpty(d.Keywords), jsonOrEmpty(d.PreferredModels), jsonOrEmpty(d.ExcludedModels),
		d.Threshold, d.Temperature, boolInt(d.RequireExpert), boolInt(d.Block))
	return err
}

func (s *SQLiteStore) DeleteDomain(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM domains WHERE name = ?`, name)
	return err
}

// API keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, name, tier, monthly_budget_usd, created_at, last_used_at, expires_at, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.Name, key.Tier, key.MonthlyBudgetUSD,
		key.CreatedAt.UTC().Format(time.RFC3339), timePtr(key.LastUsedAt), timePtr(key.ExpiresAt),
		boolInt(key.Enabled))
	return err
}

const keyColumns = `id, key_hash, key_prefix, name, tier, monthly_budget_usd, created_at, last_used_at, expires_at, enabled`

func scanKey(row interface{ Scan(...any) error }) (APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabled int
	err := row.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Tier, &k.MonthlyBudgetUSD,
		&createdAt, &lastUsed, &expires, &enabled)
	if err != nil {
		return k, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabled != 0
	return k, nil
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, key_prefix=?, name=?, tier=?, monthly_budget_usd=?, last_used_at=?, expires_at=?, enabled=?
		 WHERE id=?`,
		key.KeyHash, key.KeyPrefix, key.Name, key.Tier, key.MonthlyBudgetUSD,
		timePtr(key.LastUsedAt), timePtr(key.ExpiresAt), boolInt(key.Enabled), key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}

// Audit trail

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().UnixMilli(), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts int64
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp = time.UnixMilli(ts).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
