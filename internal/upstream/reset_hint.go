package upstream

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"
)

// resetAfterPattern matches the "reset after Ns" hint the upstream embeds in
// capacity-exhaustion messages. The exact format is not documented upstream,
// so this is best-effort: integer or fractional seconds.
var resetAfterPattern = regexp.MustCompile(`reset after (\d+(?:\.\d+)?)s`)

// ParseResetHint extracts a retry delay from a capacity-error message.
// Returns 0 when no hint is present.
func ParseResetHint(message string) time.Duration {
	m := resetAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	seconds, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// retryInfo mirrors the structured 429 body Google APIs return.
type retryInfo struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts a structured retryDelay from a JSON error body.
// Returns 0 if the body is not parseable or carries no delay.
func ParseRetryDelay(body []byte) time.Duration {
	var info retryInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	// Fall back to a textual hint inside the message.
	return ParseResetHint(info.Error.Message)
}
