package upstream

import (
	"strings"
	"testing"
)

func TestBuildEnvelope(t *testing.T) {
	body := map[string]interface{}{
		"contents": []interface{}{map[string]interface{}{"role": "user"}},
	}
	env := BuildEnvelope("proj-1", "agent-abc", "gemini-2.0-flash", "gemini-3-pro-image", body)

	if env["project"] != "proj-1" || env["requestId"] != "agent-abc" || env["model"] != "gemini-2.0-flash" {
		t.Fatalf("envelope routing fields wrong: %v", env)
	}
	if env["userAgent"] != "antigravity" {
		t.Fatalf("userAgent = %v", env["userAgent"])
	}
	if env["requestType"] != RequestTypeAgent {
		t.Fatalf("requestType = %v", env["requestType"])
	}

	inner := env["request"].(map[string]interface{})
	genConfig := inner["generationConfig"].(map[string]interface{})
	if genConfig["candidateCount"] != 1 {
		t.Fatalf("candidateCount = %v", genConfig["candidateCount"])
	}
	sessionID, _ := inner["sessionId"].(string)
	if !strings.HasPrefix(sessionID, "-") {
		t.Fatalf("synthesised sessionId must be a negative decimal, got %q", sessionID)
	}
}

func TestBuildEnvelopeImageModel(t *testing.T) {
	env := BuildEnvelope("proj-1", "agent-abc", "gemini-3-pro-image", "gemini-3-pro-image", map[string]interface{}{})
	if env["requestType"] != RequestTypeImageGen {
		t.Fatalf("requestType = %v, want image_gen", env["requestType"])
	}
}

func TestNormalizeRequestPreservesCallerValues(t *testing.T) {
	body := map[string]interface{}{
		"sessionId": "caller-session",
		"generationConfig": map[string]interface{}{
			"candidateCount": 3,
			"temperature":    0.5,
		},
	}
	NormalizeRequest(body)

	if body["sessionId"] != "caller-session" {
		t.Fatalf("caller sessionId must be preserved, got %v", body["sessionId"])
	}
	genConfig := body["generationConfig"].(map[string]interface{})
	if genConfig["candidateCount"] != 3 {
		t.Fatalf("caller candidateCount must be preserved, got %v", genConfig["candidateCount"])
	}
	if genConfig["temperature"] != 0.5 {
		t.Fatalf("unrelated config must be untouched, got %v", genConfig["temperature"])
	}
}
