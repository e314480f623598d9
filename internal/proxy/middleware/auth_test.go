package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newAuthTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.APIKey{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	gdb.Create(&models.APIKey{Key: "sk-valid", Name: "test"})
	return gdb
}

func TestAPIKeyAuth(t *testing.T) {
	gdb := newAuthTestDB(t)

	var seenKey *models.APIKey
	handler := APIKeyAuth(gdb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenKey = APIKeyFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		setup      func(r *http.Request)
		wantStatus int
	}{
		{
			name:       "bearer header",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-valid") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-api-key header",
			setup:      func(r *http.Request) { r.Header.Set("x-api-key", "sk-valid") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-goog-api-key header",
			setup:      func(r *http.Request) { r.Header.Set("x-goog-api-key", "sk-valid") },
			wantStatus: http.StatusOK,
		},
		{
			name:       "query parameter",
			setup:      func(r *http.Request) { q := r.URL.Query(); q.Set("key", "sk-valid"); r.URL.RawQuery = q.Encode() },
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong key",
			setup:      func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-wrong") },
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "no key",
			setup:      func(r *http.Request) {},
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seenKey = nil
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && (seenKey == nil || seenKey.Key != "sk-valid") {
				t.Fatal("authenticated key must be attached to the context")
			}
		})
	}
}

func TestAPIKeyAuthRejectsDisabledKey(t *testing.T) {
	gdb := newAuthTestDB(t)
	gdb.Create(&models.APIKey{Key: "sk-disabled", Disabled: true})

	handler := APIKeyAuth(gdb)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer sk-disabled")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
