package handlers

import (
	"encoding/json"
	"strings"
	"time"
)

// The OpenAI chat dialect is translated to the upstream envelope by a
// schema converter. This built-in converter covers the common text shape;
// deployments with richer needs plug their own Translator into the routes.

// Translator converts between the OpenAI chat dialect and the upstream body.
type Translator interface {
	// UpstreamBody converts the caller's messages into the inner request.
	UpstreamBody(req *ChatCompletionRequest) map[string]interface{}
	// Completion renders a non-streaming unwrapped upstream response.
	Completion(id, model string, unwrapped []byte) []byte
	// Delta renders one unwrapped upstream chunk as OpenAI delta events.
	Delta(id, model string, chunk []byte) [][]byte
}

// ChatCompletionRequest is the subset of the OpenAI request the gateway
// inspects; everything else rides along in the translated body.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// ChatMessage is one OpenAI-dialect message.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Text flattens string or multi-part content into plain text.
func (m *ChatMessage) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// DefaultTranslator is the built-in minimal converter.
type DefaultTranslator struct{}

// UpstreamBody maps messages to contents, folding system messages into
// systemInstruction.
func (DefaultTranslator) UpstreamBody(req *ChatCompletionRequest) map[string]interface{} {
	var contents []interface{}
	var systemParts []interface{}

	for _, msg := range req.Messages {
		text := msg.Text()
		switch msg.Role {
		case "system", "developer":
			systemParts = append(systemParts, map[string]interface{}{"text": text})
		case "assistant":
			contents = append(contents, map[string]interface{}{
				"role":  "model",
				"parts": []interface{}{map[string]interface{}{"text": text}},
			})
		default:
			contents = append(contents, map[string]interface{}{
				"role":  "user",
				"parts": []interface{}{map[string]interface{}{"text": text}},
			})
		}
	}

	body := map[string]interface{}{"contents": contents}
	if len(systemParts) > 0 {
		body["systemInstruction"] = map[string]interface{}{
			"role":  "user",
			"parts": systemParts,
		}
	}

	genConfig := map[string]interface{}{}
	if req.Temperature != nil {
		genConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		genConfig["topP"] = *req.TopP
	}
	if req.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *req.MaxTokens
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}
	return body
}

type upstreamCandidateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
			Role string `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "", "STOP", "FINISH_REASON_UNSPECIFIED":
		return "stop"
	default:
		return "stop"
	}
}

// Completion renders the non-streaming OpenAI response.
func (DefaultTranslator) Completion(id, model string, unwrapped []byte) []byte {
	var resp upstreamCandidateResponse
	json.Unmarshal(unwrapped, &resp)

	var text strings.Builder
	finishReason := "stop"
	if len(resp.Candidates) > 0 {
		for _, part := range resp.Candidates[0].Content.Parts {
			if !part.Thought {
				text.WriteString(part.Text)
			}
		}
		finishReason = mapFinishReason(resp.Candidates[0].FinishReason)
	}

	out, _ := json.Marshal(map[string]interface{}{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": text.String(),
				},
				"finish_reason": finishReason,
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		},
	})
	return out
}

// Delta renders one streaming chunk as OpenAI delta events.
func (DefaultTranslator) Delta(id, model string, chunk []byte) [][]byte {
	var resp upstreamCandidateResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil
	}

	var events [][]byte
	for _, candidate := range resp.Candidates {
		var text strings.Builder
		for _, part := range candidate.Content.Parts {
			if !part.Thought {
				text.WriteString(part.Text)
			}
		}
		delta := map[string]interface{}{}
		if text.Len() > 0 {
			delta["content"] = text.String()
		}
		choice := map[string]interface{}{
			"index": 0,
			"delta": delta,
		}
		if candidate.FinishReason != "" {
			choice["finish_reason"] = mapFinishReason(candidate.FinishReason)
		}
		event, _ := json.Marshal(map[string]interface{}{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []interface{}{choice},
		})
		events = append(events, event)
	}
	return events
}
