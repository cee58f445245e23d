// Package httpapi binds the agent to HTTP: run/stream/batch endpoints,
// stats and run-history queries, the live event feed, and the admin surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cascadeflow/cascadeflow/agent"
	"github.com/cascadeflow/cascadeflow/cascade"
	"github.com/cascadeflow/cascadeflow/internal/apikey"
	"github.com/cascadeflow/cascadeflow/internal/durable"
	"github.com/cascadeflow/cascadeflow/internal/events"
	"github.com/cascadeflow/cascadeflow/internal/health"
	"github.com/cascadeflow/cascadeflow/internal/idempotency"
	"github.com/cascadeflow/cascadeflow/internal/ledger"
	"github.com/cascadeflow/cascadeflow/internal/metrics"
	"github.com/cascadeflow/cascadeflow/internal/stats"
	"github.com/cascadeflow/cascadeflow/internal/tsdb"
	"github.com/cascadeflow/cascadeflow/internal/vault"
)

// Dependencies carries every subsystem the handlers reach.
type Dependencies struct {
	Agent      *agent.Agent
	Events     *events.Manager
	Metrics    *metrics.Registry
	Stats      *stats.Collector
	TSDB       *tsdb.Store
	Ledger     ledger.Store
	Health     *health.Tracker
	Vault      *vault.Vault
	Dispatcher *durable.Dispatcher

	// API key auth (nil disables auth on /v1).
	Keys      *apikey.Manager
	KeyBudget *apikey.BudgetChecker

	// Idempotency replay cache for POST /v1/run (nil disables).
	Idempotency *idempotency.Cache

	AdminToken *AdminTokenHolder
	Logger     *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// MountRoutes attaches all handlers to the router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))
	r.Handle("/metrics", d.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.Keys != nil {
			r.Use(apikey.AuthMiddleware(d.Keys))
		}
		r.Group(func(r chi.Router) {
			if d.Idempotency != nil {
				r.Use(idempotency.Middleware(d.Idempotency))
			}
			r.Post("/run", RunHandler(d))
		})
		r.Post("/stream", StreamHandler(d))
		r.Post("/batch", BatchHandler(d))
		r.Get("/models", ModelsHandler(d))
		r.Get("/runs", RunsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/stats/timeseries", TimeseriesHandler(d))
		r.Get("/events", EventsHandler(d))
		r.Get("/health/providers", ProviderHealthHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminAuth(d.AdminToken))

		r.Get("/models", AdminModelsListHandler(d))
		r.Post("/models", AdminModelsUpsertHandler(d))
		r.Delete("/models/{name}", AdminModelsDeleteHandler(d))

		r.Get("/domains", AdminDomainsListHandler(d))
		r.Post("/domains", AdminDomainsUpsertHandler(d))
		r.Delete("/domains/{name}", AdminDomainsDeleteHandler(d))

		r.Get("/keys", AdminKeysListHandler(d))
		r.Post("/keys", AdminKeysCreateHandler(d))
		r.Post("/keys/{id}/rotate", AdminKeysRotateHandler(d))
		r.Patch("/keys/{id}", AdminKeysPatchHandler(d))
		r.Delete("/keys/{id}", AdminKeysDeleteHandler(d))

		r.Get("/batches", AdminBatchesListHandler(d))
		r.Get("/batches/{id}", AdminBatchDescribeHandler(d))
		r.Get("/batches/{id}/history", AdminBatchHistoryHandler(d))

		r.Post("/vault/unlock", AdminVaultUnlockHandler(d))
		r.Post("/vault/lock", AdminVaultLockHandler(d))

		r.Get("/audit", AdminAuditHandler(d))
	})
}

// HealthzHandler reports basic liveness: the agent must hold at least one
// routable model.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		models := len(d.Agent.Models())
		status := http.StatusOK
		body := map[string]any{"status": "ok", "models": models}
		if models == 0 {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
		}
		writeJSON(w, status, body)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// runError maps a pipeline error onto an HTTP response. Admission denials
// carry a Retry-After hint.
func runError(w http.ResponseWriter, err error) {
	kind := cascade.KindOf(err)
	if kind == cascade.KindAdmission {
		if ra := cascade.RetryAfterOf(err); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ra/time.Second)+1))
		}
	}
	writeJSON(w, kindStatus(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func kindStatus(kind cascade.Kind) int {
	switch kind {
	case cascade.KindBadRequest, cascade.KindConfig:
		return http.StatusBadRequest
	case cascade.KindAdmission:
		return http.StatusTooManyRequests
	case cascade.KindTimeout:
		return http.StatusGatewayTimeout
	case cascade.KindCancelled:
		return http.StatusRequestTimeout
	case cascade.KindTransientProvider, cascade.KindAuthProvider,
		cascade.KindValidation, cascade.KindToolExecution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// checkKeyBudget enforces the per-key monthly budget override before a run.
func checkKeyBudget(d Dependencies, r *http.Request, w http.ResponseWriter) bool {
	if d.KeyBudget == nil {
		return true
	}
	rec := apikey.FromContext(r.Context())
	if rec == nil {
		return true
	}
	if err := d.KeyBudget.CheckBudget(r.Context(), rec); err != nil {
		var exceeded *apikey.BudgetExceededError
		if errors.As(err, &exceeded) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      err.Error(),
				"kind":       "admission",
				"budget_usd": exceeded.BudgetUSD,
				"spent_usd":  exceeded.SpentUSD,
			})
			return false
		}
		d.logger().Warn("key budget check failed", "key_id", rec.ID, "error", err)
	}
	return true
}
