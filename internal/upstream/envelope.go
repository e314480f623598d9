package upstream

import (
	"fmt"
	"math/rand"
)

// Request types accepted by the upstream.
const (
	RequestTypeAgent    = "agent"
	RequestTypeImageGen = "image_gen"
)

// BuildEnvelope wraps a caller-normalised body into the upstream envelope.
// The body map is the caller's own clone; it is normalised in place.
func BuildEnvelope(projectID, requestID, model, imageModel string, body map[string]interface{}) map[string]interface{} {
	requestType := RequestTypeAgent
	if model == imageModel {
		requestType = RequestTypeImageGen
	}

	NormalizeRequest(body)

	return map[string]interface{}{
		"project":     projectID,
		"requestId":   requestID,
		"request":     body,
		"model":       model,
		"userAgent":   "antigravity",
		"requestType": requestType,
	}
}

// NormalizeRequest applies the minimal normalisation every inner request
// gets: candidateCount defaults to 1 and a sessionId is synthesised when the
// caller supplied none.
func NormalizeRequest(body map[string]interface{}) {
	genConfig, ok := body["generationConfig"].(map[string]interface{})
	if !ok {
		genConfig = map[string]interface{}{}
		body["generationConfig"] = genConfig
	}
	if _, exists := genConfig["candidateCount"]; !exists {
		genConfig["candidateCount"] = 1
	}

	if _, exists := body["sessionId"]; !exists {
		body["sessionId"] = NewSessionID()
	}
}

// NewSessionID synthesises the negative decimal session id the Antigravity
// client uses when the caller has none.
func NewSessionID() string {
	return fmt.Sprintf("-%d", rand.Int63n(9_000_000_000_000_000_000))
}
