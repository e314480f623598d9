package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/TanDenggg/antigravity-proxy/internal/db"
	"github.com/TanDenggg/antigravity-proxy/internal/upstream"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OpenAIChatHandler handles POST /v1/chat/completions, translating between
// the OpenAI dialect and the upstream envelope via the given Translator.
func OpenAIChatHandler(d *Dispatcher, translator Translator) http.HandlerFunc {
	if translator == nil {
		translator = DefaultTranslator{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Invalid request body", codeInternal)
			return
		}
		if req.Model == "" || len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "model and messages are required", codeInternal)
			return
		}

		log.Printf("📨 chat/completions request: model=%s stream=%v", req.Model, req.Stream)

		completionID := "chatcmpl-" + uuid.New().String()
		body := translator.UpstreamBody(&req)

		if !req.Stream {
			d.Generate(w, r, req.Model, body, func(w http.ResponseWriter, result *upstream.Result) {
				w.Header().Set("Content-Type", "application/json")
				w.Write(translator.Completion(completionID, req.Model, result.Body))
			})
			return
		}

		translate := func(chunk []byte) [][]byte {
			return translator.Delta(completionID, req.Model, chunk)
		}
		finish := func(w io.Writer) {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		d.StreamGenerate(w, r, req.Model, body, translate, finish)
	}
}

// OpenAIModelsHandler handles GET /v1/models, listing the mapped client
// models.
func OpenAIModelsHandler(gdb *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var data []interface{}
		for _, mapping := range db.ListModelMappings(gdb) {
			if !mapping.IsActive {
				continue
			}
			data = append(data, map[string]interface{}{
				"id":       mapping.ClientModel,
				"object":   "model",
				"created":  mapping.CreatedAt.Unix(),
				"owned_by": "antigravity-proxy",
			})
		}
		if data == nil {
			data = []interface{}{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
		})
	}
}
