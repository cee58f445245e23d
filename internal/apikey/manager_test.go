package apikey

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cascadeflow/cascadeflow/internal/ledger"
)

func testManager(t *testing.T) (*Manager, *ledger.SQLiteStore) {
	t.Helper()
	s, err := ledger.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s), s
}

func TestGenerateAndValidate(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	plaintext, rec, err := m.Generate(ctx, "ci", "pro", 50, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plaintext, "cf_") {
		t.Errorf("key %q missing prefix", plaintext)
	}
	if rec.Tier != "pro" || rec.MonthlyBudgetUSD != 50 || !rec.Enabled {
		t.Errorf("record = %+v", rec)
	}

	got, err := m.Validate(ctx, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Errorf("validated id = %q, want %q", got.ID, rec.ID)
	}
	if got.LastUsedAt == nil {
		t.Error("last_used_at not stamped on validate")
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.Validate(context.Background(), "cf_deadbeef"); err != ErrInvalidKey {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestValidateRejectsDisabledKey(t *testing.T) {
	m, s := testManager(t)
	ctx := context.Background()

	plaintext, rec, err := m.Generate(ctx, "ci", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	rec.Enabled = false
	if err := s.UpdateAPIKey(ctx, *rec); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Validate(ctx, plaintext); err != ErrInvalidKey {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestValidateRejectsExpiredKey(t *testing.T) {
	m, _ := testManager(t)
	past := time.Now().UTC().Add(-time.Hour)

	plaintext, _, err := m.Generate(context.Background(), "old", "", 0, &past)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(context.Background(), plaintext); err != ErrExpiredKey {
		t.Errorf("err = %v, want ErrExpiredKey", err)
	}
}

func TestRotateInvalidatesOldKey(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	oldKey, rec, err := m.Generate(ctx, "ci", "", 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Validate(ctx, oldKey); err != nil {
		t.Fatal(err)
	}

	newKey, err := m.Rotate(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if newKey == oldKey {
		t.Fatal("rotate returned the same key")
	}

	if _, err := m.Validate(ctx, oldKey); err != ErrInvalidKey {
		t.Errorf("old key still valid after rotate: %v", err)
	}
	got, err := m.Validate(ctx, newKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != rec.ID {
		t.Errorf("rotated key resolves to %q, want %q", got.ID, rec.ID)
	}
}

func TestRotateUnknownKey(t *testing.T) {
	m, _ := testManager(t)
	if _, err := m.Rotate(context.Background(), "nope"); err != ErrKeyMissing {
		t.Errorf("err = %v, want ErrKeyMissing", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	m, _ := testManager(t)
	plaintext, rec, err := m.Generate(context.Background(), "ci", "pro", 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	var gotUser, gotTier string
	handler := AuthMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotTier = Identity(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong prefix", "Bearer sk-123", http.StatusUnauthorized},
		{"unknown key", "Bearer cf_0000000000", http.StatusUnauthorized},
		{"valid", "Bearer " + plaintext, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/run", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Errorf("status = %d, want %d", rr.Code, tc.status)
			}
		})
	}

	if gotUser != rec.ID || gotTier != "pro" {
		t.Errorf("identity = (%q, %q), want (%q, pro)", gotUser, gotTier, rec.ID)
	}
}

func TestIdentityWithoutKey(t *testing.T) {
	user, tier := Identity(context.Background())
	if user != "" || tier != "" {
		t.Errorf("identity = (%q, %q), want empty", user, tier)
	}
}
