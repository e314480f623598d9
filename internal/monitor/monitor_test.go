package monitor

import (
	"fmt"
	"strings"
	"testing"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.RequestLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return New(gdb)
}

func TestRecordCallRingIsBounded(t *testing.T) {
	m := newTestMonitor(t)
	for i := 0; i < MaxMemoryCalls+50; i++ {
		m.RecordCall(CallRecord{Kind: "chat", Model: fmt.Sprintf("m-%d", i)})
	}

	calls := m.RecentCalls(0)
	if len(calls) != MaxMemoryCalls {
		t.Fatalf("ring size = %d, want %d", len(calls), MaxMemoryCalls)
	}
	// Newest first; the oldest entries were evicted.
	if calls[0].Model != fmt.Sprintf("m-%d", MaxMemoryCalls+49) {
		t.Fatalf("newest entry = %s", calls[0].Model)
	}
}

func TestRecordCallTruncatesLargeBodies(t *testing.T) {
	m := newTestMonitor(t)
	m.RecordCall(CallRecord{RequestBody: strings.Repeat("x", MaxBodySize+100)})

	calls := m.RecentCalls(1)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if !strings.HasSuffix(calls[0].RequestBody, "...[truncated]") {
		t.Fatal("oversized body must be truncated")
	}
}

func TestLogRequestPersistsRow(t *testing.T) {
	m := newTestMonitor(t)
	m.LogRequest(models.RequestLog{
		Model:       "gemini-2.0-flash",
		Status:      models.RequestStatusSuccess,
		TotalTokens: 12,
		AccountID:   7,
	})

	logs := m.RecentLogs(10)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log row, got %d", len(logs))
	}
	if logs[0].ID == "" || logs[0].CreatedAt == 0 {
		t.Fatal("id and created_at must be filled in")
	}
	if logs[0].TotalTokens != 12 || logs[0].AccountID != 7 {
		t.Fatalf("row fields wrong: %+v", logs[0])
	}

	stats := m.Stats()
	if stats.TotalRequests != 1 || stats.SuccessCount != 1 || stats.ErrorCount != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}
