package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cascadeflow/cascadeflow/internal/ledger"
)

// audit records an admin mutation. Failures are logged, never surfaced; the
// mutation itself already succeeded.
func audit(d Dependencies, r *http.Request, action, resource string) {
	if d.Ledger == nil {
		return
	}
	err := d.Ledger.LogAudit(r.Context(), ledger.AuditEntry{
		Action:    action,
		Resource:  resource,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		d.logger().Warn("audit write failed", "action", action, "resource", resource, "error", err)
	}
}

func requireLedger(d Dependencies, w http.ResponseWriter) bool {
	if d.Ledger == nil {
		jsonError(w, "persistence disabled", http.StatusNotImplemented)
		return false
	}
	return true
}

// --- model catalog ---

func AdminModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		models, err := d.Ledger.ListModels(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	}
}

func AdminModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		var m ledger.ModelRecord
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if m.ID == "" || m.Provider == "" {
			jsonError(w, "id and provider required", http.StatusBadRequest)
			return
		}
		if err := d.Ledger.UpsertModel(r.Context(), m); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "model.upsert", m.ID)
		writeJSON(w, http.StatusOK, m)
	}
}

func AdminModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		name := chi.URLParam(r, "name")
		if err := d.Ledger.DeleteModel(r.Context(), name); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "model.delete", name)
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- domain policies ---

func AdminDomainsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		domains, err := d.Ledger.ListDomains(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
	}
}

func AdminDomainsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		var rec ledger.DomainRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if rec.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		if err := d.Ledger.UpsertDomain(r.Context(), rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "domain.upsert", rec.Name)
		writeJSON(w, http.StatusOK, rec)
	}
}

func AdminDomainsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		name := chi.URLParam(r, "name")
		if err := d.Ledger.DeleteDomain(r.Context(), name); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "domain.delete", name)
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- api keys ---

type createKeyRequest struct {
	Name             string     `json:"name"`
	Tier             string     `json:"tier,omitempty"`
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// createKeyResponse includes the plaintext exactly once, at creation.
type createKeyResponse struct {
	Key    string              `json:"key"`
	Record ledger.APIKeyRecord `json:"record"`
}

func AdminKeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api keys disabled", http.StatusNotImplemented)
			return
		}
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		plaintext, rec, err := d.Keys.Generate(r.Context(), req.Name, req.Tier, req.MonthlyBudgetUSD, req.ExpiresAt)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "key.create", rec.ID)
		writeJSON(w, http.StatusCreated, createKeyResponse{Key: plaintext, Record: *rec})
	}
}

func AdminKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		keys, err := d.Ledger.ListAPIKeys(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

func AdminKeysRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Keys == nil {
			jsonError(w, "api keys disabled", http.StatusNotImplemented)
			return
		}
		id := chi.URLParam(r, "id")
		plaintext, err := d.Keys.Rotate(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		audit(d, r, "key.rotate", id)
		writeJSON(w, http.StatusOK, map[string]string{"key": plaintext})
	}
}

type patchKeyRequest struct {
	Enabled          *bool    `json:"enabled,omitempty"`
	Tier             *string  `json:"tier,omitempty"`
	MonthlyBudgetUSD *float64 `json:"monthly_budget_usd,omitempty"`
}

func AdminKeysPatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		id := chi.URLParam(r, "id")
		rec, err := d.Ledger.GetAPIKey(r.Context(), id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if rec == nil {
			jsonError(w, "key not found", http.StatusNotFound)
			return
		}

		var req patchKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Enabled != nil {
			rec.Enabled = *req.Enabled
		}
		if req.Tier != nil {
			rec.Tier = *req.Tier
		}
		if req.MonthlyBudgetUSD != nil {
			rec.MonthlyBudgetUSD = *req.MonthlyBudgetUSD
		}
		if err := d.Ledger.UpdateAPIKey(r.Context(), *rec); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.KeyBudget != nil {
			d.KeyBudget.InvalidateCache(id)
		}
		audit(d, r, "key.update", id)
		writeJSON(w, http.StatusOK, rec)
	}
}

func AdminKeysDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.Ledger.DeleteAPIKey(r.Context(), id); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "key.delete", id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- vault ---

func AdminVaultUnlockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault disabled", http.StatusNotImplemented)
			return
		}
		var req struct {
			Passphrase string `json:"passphrase"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Vault.Unlock([]byte(req.Passphrase)); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Persist the salt so the same passphrase unlocks after a restart.
		if d.Ledger != nil {
			if err := d.Ledger.SaveVaultBlob(r.Context(), d.Vault.Salt(), d.Vault.Export()); err != nil {
				d.logger().Warn("vault blob persist failed", "error", err)
			}
		}
		audit(d, r, "vault.unlock", "")
		writeJSON(w, http.StatusOK, map[string]bool{"locked": d.Vault.IsLocked()})
	}
}

func AdminVaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil {
			jsonError(w, "vault disabled", http.StatusNotImplemented)
			return
		}
		d.Vault.Lock()
		audit(d, r, "vault.lock", "")
		writeJSON(w, http.StatusOK, map[string]bool{"locked": d.Vault.IsLocked()})
	}
}

// --- audit trail ---

func AdminAuditHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireLedger(d, w) {
			return
		}
		limit := queryInt(r, "limit", 100)
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		entries, err := d.Ledger.ListAuditLogs(r.Context(), limit, queryInt(r, "offset", 0))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
	}
}
