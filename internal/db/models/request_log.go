package models

// Request log status values.
const (
	RequestStatusSuccess = "success"
	RequestStatusError   = "error"
)

// RequestLog is the append-only record of one inbound request's outcome.
type RequestLog struct {
	ID               string `gorm:"primaryKey" json:"id"`
	AccountID        uint   `gorm:"index" json:"account_id,omitempty"`
	APIKeyID         uint   `gorm:"index" json:"api_key_id,omitempty"`
	Model            string `gorm:"index" json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	ThinkingTokens   int    `json:"thinking_tokens"`
	Status           string `gorm:"index" json:"status"`
	LatencyMs        int64  `json:"latency_ms"`
	ErrorMessage     string `json:"error_message,omitempty"`
	RequestID        string `json:"request_id"`
	AttemptNo        int    `json:"attempt_no"`
	AccountAttempt   int    `json:"account_attempt"`
	SameRetry        bool   `json:"same_retry"`
	CreatedAt        int64  `gorm:"index" json:"created_at"` // ms epoch
}

// RequestStats holds aggregated statistics for request logs.
type RequestStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	ErrorCount    int64 `json:"error_count"`
}
