package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Error codes surfaced to callers.
const (
	codeModelConcurrency = "model_concurrency_limit"
	codeRateLimited      = "rate_limit_exceeded"
	codeEmptyResponse    = "empty_upstream_response"
	codeInternal         = "internal_error"
)

// NewRequestID generates an upstream request id in the Antigravity format.
func NewRequestID() string {
	return "agent-" + uuid.New().String()
}

// SetSSEHeaders commits the response to a server-sent event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeJSONError writes the non-streaming error body.
func writeJSONError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"code":    code,
		},
	})
}

// streamErrorEvent renders the in-stream terminal error event.
func streamErrorEvent(message, code string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
	})
	return payload
}
