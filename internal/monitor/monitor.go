package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// MaxBodySize limits stored request/response bodies.
	MaxBodySize = 512 * 1024
	// MaxMemoryCalls bounds the in-memory ring; oldest entries are evicted.
	MaxMemoryCalls = 200
)

// CallRecord captures one upstream invocation for diagnostics. Only calls
// that actually reached the upstream client are recorded here; inbound
// request accounting lives in the request_logs table.
type CallRecord struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"` // chat | stream_chat
	Provider     string        `json:"provider"`
	Endpoint     string        `json:"endpoint"`
	Model        string        `json:"model"`
	Stream       bool          `json:"stream"`
	Status       string        `json:"status"` // success | error
	LatencyMs    int64         `json:"latency_ms"`
	AccountID    uint          `json:"account_id"`
	AccountEmail string        `json:"account_email"`
	AccountTier  string        `json:"account_tier"`
	RequestBody  string        `json:"request_body,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	Chunks       int           `json:"chunks,omitempty"`
	DroppedRaw   []string      `json:"dropped_raw,omitempty"`
	Error        string        `json:"error,omitempty"`
	At           time.Time     `json:"at"`
	Latency      time.Duration `json:"-"`
}

// Monitor is the model-call logger: a bounded in-memory ring of CallRecords
// plus the durable request-log sink. Logging failures are swallowed; the
// gateway never fails a request because its diagnostics could not be saved.
type Monitor struct {
	db *gorm.DB

	mu    sync.RWMutex
	calls []CallRecord
}

// New creates a Monitor over the given database.
func New(db *gorm.DB) *Monitor {
	return &Monitor{db: db}
}

// RecordCall stores one upstream invocation in the in-memory ring.
func (m *Monitor) RecordCall(rec CallRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if rec.Latency > 0 && rec.LatencyMs == 0 {
		rec.LatencyMs = rec.Latency.Milliseconds()
	}
	if len(rec.RequestBody) > MaxBodySize {
		rec.RequestBody = rec.RequestBody[:MaxBodySize] + "...[truncated]"
	}
	if len(rec.ResponseBody) > MaxBodySize {
		rec.ResponseBody = rec.ResponseBody[:MaxBodySize] + "...[truncated]"
	}

	m.mu.Lock()
	m.calls = append([]CallRecord{rec}, m.calls...)
	if len(m.calls) > MaxMemoryCalls {
		m.calls = m.calls[:MaxMemoryCalls]
	}
	m.mu.Unlock()
}

// RecentCalls returns up to limit most-recent call records.
func (m *Monitor) RecentCalls(limit int) []CallRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.calls) {
		limit = len(m.calls)
	}
	out := make([]CallRecord, limit)
	copy(out, m.calls[:limit])
	return out
}

// LogRequest appends a request-log row. Failures are swallowed.
func (m *Monitor) LogRequest(entry models.RequestLog) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().UnixMilli()
	}
	if err := m.db.Create(&entry).Error; err != nil {
		log.Printf("⚠️ Failed to save request log: %v", err)
	}
}

// Stats aggregates request-log counters.
func (m *Monitor) Stats() models.RequestStats {
	var stats models.RequestStats
	m.db.Model(&models.RequestLog{}).Count(&stats.TotalRequests)
	m.db.Model(&models.RequestLog{}).Where("status = ?", models.RequestStatusSuccess).Count(&stats.SuccessCount)
	m.db.Model(&models.RequestLog{}).Where("status = ?", models.RequestStatusError).Count(&stats.ErrorCount)
	return stats
}

// RecentLogs returns the newest request-log rows, most recent first.
func (m *Monitor) RecentLogs(limit int) []models.RequestLog {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.RequestLog
	m.db.Order("created_at desc").Limit(limit).Find(&rows)
	return rows
}
