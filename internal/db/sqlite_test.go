package db

import (
	"fmt"
	"testing"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Account{}, &models.APIKey{}, &models.RequestLog{}, &models.ModelMapping{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return gdb
}

func TestLookupAPIKey(t *testing.T) {
	gdb := newTestDB(t)
	gdb.Create(&models.APIKey{Key: "sk-live", Name: "live"})
	gdb.Create(&models.APIKey{Key: "sk-off", Name: "off", Disabled: true})

	if row := LookupAPIKey(gdb, "sk-live"); row == nil || row.Name != "live" {
		t.Fatalf("expected live key, got %+v", row)
	}
	if row := LookupAPIKey(gdb, "sk-off"); row != nil {
		t.Fatal("disabled key must not authenticate")
	}
	if row := LookupAPIKey(gdb, ""); row != nil {
		t.Fatal("empty key must not authenticate")
	}
	if row := LookupAPIKey(gdb, "sk-unknown"); row != nil {
		t.Fatal("unknown key must not authenticate")
	}
}

func TestResolveModel(t *testing.T) {
	gdb := newTestDB(t)
	SeedModelMappings(gdb, map[string]string{"gpt-4": "gemini-3-pro"})

	if got := ResolveModel(gdb, "gpt-4"); got != "gemini-3-pro" {
		t.Fatalf("ResolveModel(gpt-4) = %q", got)
	}
	if got := ResolveModel(gdb, "gemini-2.0-flash"); got != "gemini-2.0-flash" {
		t.Fatalf("unmapped model must pass through, got %q", got)
	}
}

func TestSeedModelMappingsKeepsExistingRows(t *testing.T) {
	gdb := newTestDB(t)
	gdb.Create(&models.ModelMapping{ClientModel: "gpt-4", UpstreamModel: "edited-by-admin", IsActive: true})

	SeedModelMappings(gdb, map[string]string{"gpt-4": "gemini-3-pro"})

	if got := ResolveModel(gdb, "gpt-4"); got != "edited-by-admin" {
		t.Fatalf("seed must not clobber admin edits, got %q", got)
	}
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	key := GenerateAPIKey()
	if len(key) != 35 || key[:3] != "sk-" {
		t.Fatalf("unexpected key format: %q", key)
	}
	if key == GenerateAPIKey() {
		t.Fatal("keys must be random")
	}
}
