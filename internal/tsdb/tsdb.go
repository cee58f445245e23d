// Package tsdb is a small embedded time-series store over SQLite used by the
// stats timeseries API. It records per-run metrics (runs, cost, savings,
// latency, escalations) tagged by model and domain, buffers writes, and
// serves range queries with optional downsampling.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cascadeflow/cascadeflow/cascade"
)

// Metric names written by the event callback.
const (
	MetricRuns       = "runs"
	MetricCostUSD    = "cost_usd"
	MetricSavedUSD   = "cost_saved_usd"
	MetricLatencyMs  = "latency_ms"
	MetricEscalation = "escalations"
	MetricErrors     = "errors"
)

// Point is a single time-series data point.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Model     string    `json:"model,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Value     float64   `json:"value"`
}

// Series represents a named time series with its data points.
type Series struct {
	Metric string   `json:"metric"`
	Model  string   `json:"model,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Points []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams controls which data is returned.
type QueryParams struct {
	Metric string
	Model  string
	Domain string
	Start  time.Time
	End    time.Time
	StepMs int64 // downsample to this bucket size (0 = raw)
}

// Store is a lightweight embedded time-series database backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// Retention: auto-delete points older than this.
	retention time.Duration

	// Write buffer for batching inserts.
	buf    []Point
	bufMax int
}

// New creates a TSDB store using the given SQLite DB handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:        db,
		retention: 7 * 24 * time.Hour, // 7 day default
		bufMax:    100,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRetention sets the data retention period.
func (s *Store) SetRetention(d time.Duration) {
	s.retention = d
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tsdb_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_ts ON tsdb_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_metric ON tsdb_points(metric, ts)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return nil
}

// Callback returns the event consumer that turns finished runs into points.
// Register it with the event manager.
func (s *Store) Callback() cascade.Callback {
	return func(e cascade.MetricEvent) {
		switch e.Type {
		case cascade.MetricQueryComplete:
			model, _ := e.Data["model_used"].(string)
			domain, _ := e.Data["domain"].(string)
			at := e.At
			write := func(metric string, v float64) {
				s.Write(Point{Timestamp: at, Metric: metric, Model: model, Domain: domain, Value: v})
			}
			write(MetricRuns, 1)
			if cost, ok := e.Data["total_cost"].(float64); ok && cost > 0 {
				write(MetricCostUSD, cost)
			}
			if saved, ok := e.Data["cost_saved"].(float64); ok && saved > 0 {
				write(MetricSavedUSD, saved)
			}
			if ms, ok := e.Data["total_ms"].(int64); ok {
				write(MetricLatencyMs, float64(ms))
			}
			if accepted, ok := e.Data["draft_accepted"].(bool); ok && !accepted {
				if strategy, _ := e.Data["strategy"].(string); strategy == string(cascade.StrategyCascade) {
					write(MetricEscalation, 1)
				}
			}
		case cascade.MetricQueryError:
			s.Write(Point{Timestamp: e.At, Metric: MetricErrors, Value: 1})
		}
	}
}

// Write stores a single data point.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.buf = append(s.buf, p)
	if len(s.buf) >= s.bufMax {
		buf := s.buf
		s.buf = nil
		s.mu.Unlock()
		s.flush(buf)
		return
	}
	s.mu.Unlock()
}

// Flush forces all buffered points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) > 0 {
		s.flush(buf)
	}
}

func (s *Store) flush(points []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO tsdb_points (ts, metric, model, domain, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range points {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.Model, p.Domain, p.Value)
	}
	_ = tx.Commit()
}

// Query returns time-series data matching the given parameters.
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush() // ensure buffered data is visible

	where := "WHERE metric = ?"
	args := []any{q.Metric}

	if q.Model != "" {
		where += " AND model = ?"
		args = append(args, q.Model)
	}
	if q.Domain != "" {
		where += " AND domain = ?"
		args = append(args, q.Domain)
	}
	if !q.Start.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where += " AND ts <= ?"
		args = append(args, q.End.UnixMilli())
	}

	var query string
	if q.StepMs > 0 {
		// Downsample: bucket by step, average values.
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, model, domain, AVG(value)
			 FROM tsdb_points %s
			 GROUP BY bucket, model, domain
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, model, domain, value
			 FROM tsdb_points %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	// Group into series by model+domain combo.
	type seriesKey struct{ model, domain string }
	grouped := make(map[seriesKey][]DataPt)
	var order []seriesKey

	for rows.Next() {
		var tsMs int64
		var model, domain string
		var value float64
		if err := rows.Scan(&tsMs, &model, &domain, &value); err != nil {
			return nil, err
		}
		k := seriesKey{model, domain}
		if _, exists := grouped[k]; !exists {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], DataPt{
			T:     time.UnixMilli(tsMs),
			Value: value,
		})
	}

	var result []Series
	for _, k := range order {
		result = append(result, Series{
			Metric: q.Metric,
			Model:  k.model,
			Domain: k.domain,
			Points: grouped[k],
		})
	}
	return result, rows.Err()
}

// Prune removes data points older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush() // ensure buffered data is visible
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM tsdb_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Metrics returns the list of distinct metric names.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush() // ensure buffered data is visible
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM tsdb_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}
