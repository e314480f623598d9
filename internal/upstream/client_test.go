package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(5*time.Second, "")
	client.SetBaseURL(server.URL + "/v1internal")
	return client, server
}

func TestChatUnwrapsResponse(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1internal:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprint(w, `{"response":{"candidates":[{"content":{"parts":[{"text":"hi"}]}}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":9,"totalTokenCount":12}},"traceId":"t-1"}`)
	}))
	defer server.Close()

	result, err := client.Chat(context.Background(), "tok-1", map[string]interface{}{"model": "m"}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, wrapped := body["response"]; wrapped {
		t.Fatal("body must be unwrapped")
	}
	if body["traceId"] != "t-1" {
		t.Fatalf("traceId must be preserved, got %v", body["traceId"])
	}
	if result.Usage == nil || result.Usage.TotalTokens != 12 || result.Usage.PromptTokens != 3 {
		t.Fatalf("usage = %+v", result.Usage)
	}
}

func TestChatRetriesOnceAfter401(t *testing.T) {
	var calls atomic.Int32
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-fresh" {
			t.Errorf("retry must carry refreshed token, got %q", got)
		}
		fmt.Fprint(w, `{"response":{"candidates":[]}}`)
	}))
	defer server.Close()

	refreshed := false
	refresh := func(ctx context.Context) (string, error) {
		refreshed = true
		return "tok-fresh", nil
	}

	if _, err := client.Chat(context.Background(), "tok-stale", map[string]interface{}{}, refresh); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if !refreshed {
		t.Fatal("refresh callback must run on 401")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls.Load())
	}
}

func TestChatClassifiesCapacityErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "http 429", status: http.StatusTooManyRequests, body: `{"error":{"message":"quota"}}`},
		{name: "marker in body", status: http.StatusForbidden, body: `{"error":{"message":"You have exhausted your capacity"}}`},
		{name: "resource exhausted", status: http.StatusBadRequest, body: `{"error":{"message":"Resource has been exhausted reset after 4s"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := client.Chat(context.Background(), "tok", map[string]interface{}{}, nil)
			var capErr *CapacityError
			if !errors.As(err, &capErr) {
				t.Fatalf("expected CapacityError, got %v", err)
			}
		})
	}
}

func TestChatCapacityErrorCarriesResetHint(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","details":[{"retryDelay":"2s"}]}}`)
	}))
	defer server.Close()

	_, err := client.Chat(context.Background(), "tok", map[string]interface{}{}, nil)
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.ResetAfter != 2*time.Second {
		t.Fatalf("ResetAfter = %s", capErr.ResetAfter)
	}
}

func TestChatOtherErrorsAreAPIErrors(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream broken")
	}))
	defer server.Close()

	_, err := client.Chat(context.Background(), "tok", map[string]interface{}{}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d", apiErr.StatusCode)
	}
}

func sseHandler(frames []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func TestStreamChatEmitsInOrder(t *testing.T) {
	client, server := newTestClient(sseHandler([]string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]},"traceId":"t-9"}`,
		`{"response":{"candidates":[{"content":{"parts":[{"text":"b"}]}}],"usageMetadata":{"totalTokenCount":5}}}`,
	}))
	defer server.Close()

	var chunks []map[string]interface{}
	result, err := client.StreamChat(context.Background(), "tok", map[string]interface{}{}, nil, func(chunk []byte) {
		var decoded map[string]interface{}
		json.Unmarshal(chunk, &decoded)
		chunks = append(chunks, decoded)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Chunks != 2 || len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", result.Chunks)
	}
	if chunks[0]["traceId"] != "t-9" {
		t.Fatalf("first chunk traceId = %v", chunks[0]["traceId"])
	}
	if result.Usage == nil || result.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v", result.Usage)
	}
}

func TestStreamChatEmptyStreamIsError(t *testing.T) {
	client, server := newTestClient(sseHandler(nil))
	defer server.Close()

	result, err := client.StreamChat(context.Background(), "tok", map[string]interface{}{}, nil, func([]byte) {})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if result.Chunks != 0 {
		t.Fatalf("chunks = %d", result.Chunks)
	}
}

func TestStreamChatDropsUndecodableFrames(t *testing.T) {
	client, server := newTestClient(sseHandler([]string{
		`this is not json`,
		`{"response":{"candidates":[]}}`,
	}))
	defer server.Close()

	emitted := 0
	result, err := client.StreamChat(context.Background(), "tok", map[string]interface{}{}, nil, func([]byte) { emitted++ })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if emitted != 1 || result.Chunks != 1 {
		t.Fatalf("expected 1 emitted chunk, got %d", emitted)
	}
	if len(result.RawDropped) != 1 || string(result.RawDropped[0]) != "this is not json" {
		t.Fatalf("dropped frames = %q", result.RawDropped)
	}
}

func TestStreamChatSurfacesInStreamCapacityError(t *testing.T) {
	client, server := newTestClient(sseHandler([]string{
		`{"response":{"candidates":[{"content":{"parts":[{"text":"a"}]}}]}}`,
		`{"error":{"message":"Resource has been exhausted reset after 4s","code":429}}`,
	}))
	defer server.Close()

	emitted := 0
	result, err := client.StreamChat(context.Background(), "tok", map[string]interface{}{}, nil, func([]byte) { emitted++ })
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if emitted != 1 || result.Chunks != 1 {
		t.Fatalf("chunks delivered before the error must be emitted, got %d", emitted)
	}
}

func TestStreamChatStopsAtDone(t *testing.T) {
	client, server := newTestClient(sseHandler([]string{
		`{"response":{"candidates":[]}}`,
		`[DONE]`,
	}))
	defer server.Close()

	result, err := client.StreamChat(context.Background(), "tok", map[string]interface{}{}, nil, func([]byte) {})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Chunks != 1 {
		t.Fatalf("chunks = %d", result.Chunks)
	}
}
