package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"github.com/go-chi/chi/v5"
)

// NativeGenerateHandler handles POST /v1beta/models/{model}:generateContent.
// The body is passed through with minimal normalisation.
func NativeGenerateHandler(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body", codeInternal)
			return
		}

		log.Printf("📨 generateContent request: model=%s", model)

		d.Generate(w, r, model, body, func(w http.ResponseWriter, result *upstream.Result) {
			w.Header().Set("Content-Type", "application/json")
			w.Write(result.Body)
		})
	}
}

// NativeStreamHandler handles POST /v1beta/models/{model}:streamGenerateContent.
// Each unwrapped upstream event is relayed as one SSE data line.
func NativeStreamHandler(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")

		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body", codeInternal)
			return
		}

		log.Printf("📨 streamGenerateContent request: model=%s", model)

		passthrough := func(chunk []byte) [][]byte {
			return [][]byte{chunk}
		}
		d.StreamGenerate(w, r, model, body, passthrough, nil)
	}
}
