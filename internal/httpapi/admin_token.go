package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// AdminTokenHolder guards the admin surface. The token survives restarts via
// the data directory and can be rotated at runtime.
type AdminTokenHolder struct {
	mu    sync.RWMutex
	token string
	dbDSN string // data directory is derived from the DSN
}

// NewAdminTokenHolder resolves the token in precedence order: explicit
// config value, previously persisted token, freshly generated random token.
// The resolved token is persisted so restarts without the env var keep it.
func NewAdminTokenHolder(configToken, dbDSN string, logger *slog.Logger) (*AdminTokenHolder, error) {
	h := &AdminTokenHolder{dbDSN: dbDSN}

	if configToken != "" {
		h.token = configToken
	} else if persisted := h.readPersisted(); persisted != "" {
		h.token = persisted
	}

	if h.token == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		h.token = hex.EncodeToString(raw)
		logger.Warn("CASCADEFLOW_ADMIN_TOKEN not set, generated a random token")
	}

	h.persist(logger)
	return h, nil
}

// Get returns the current admin token.
func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// ConstantTimeEqual compares a presented token against the current one.
func (h *AdminTokenHolder) ConstantTimeEqual(provided string) bool {
	h.mu.RLock()
	current := h.token
	h.mu.RUnlock()
	return subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate installs and persists a new random token.
func (h *AdminTokenHolder) Rotate(logger *slog.Logger) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	next := hex.EncodeToString(raw)

	h.mu.Lock()
	h.token = next
	h.mu.Unlock()

	h.persist(logger)
	return next, nil
}

func (h *AdminTokenHolder) dataDir() string {
	dsn := strings.TrimPrefix(h.dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func (h *AdminTokenHolder) readPersisted() string {
	dir := h.dataDir()
	if dir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(dir, ".admin-token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist(logger *slog.Logger) {
	dir := h.dataDir()
	if dir == "" {
		return
	}
	h.mu.RLock()
	token := h.token
	h.mu.RUnlock()
	if err := os.WriteFile(filepath.Join(dir, ".admin-token"), []byte(token+"\n"), 0600); err != nil {
		logger.Warn("admin token persist failed", "error", err)
	}
}

// AdminAuth rejects requests whose Bearer token does not match the admin
// token. A nil holder locks the surface entirely.
func AdminAuth(holder *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if holder == nil {
				jsonError(w, "admin api disabled", http.StatusForbidden)
				return
			}
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || !holder.ConstantTimeEqual(token) {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
