package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"
)

// pinnedModel is the only model token vscode-lm-proxy accepts; requests
// carrying anything else are rejected the way the real proxy rejects them.
const pinnedModel = "vscode-lm-proxy"

// newVSCodeProxyHandler simulates a local vscode-lm-proxy server. The wire
// format is OpenAI-shaped, but there is no authentication and the model id
// is fixed. Responses omit usage, matching the real proxy, so the bridge
// falls back to its own token estimate.
func newVSCodeProxyHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", withChaos(cfg, openaiFail, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			openaiFail(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		if req.Model != pinnedModel {
			openaiFail(w, http.StatusBadRequest,
				fmt.Sprintf("unknown model %q, expected %q", req.Model, pinnedModel))
			return
		}

		id := fmt.Sprintf("chatcmpl-vsc%x", rand.Int64())
		text := lorem(cfg.StreamWords)

		if req.Stream {
			streamChat(w, id, pinnedModel, text)
			return
		}

		// No usage object: the proxy does not report token counts.
		reply(w, http.StatusOK, chatCompletion{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   pinnedModel,
			Choices: []chatChoice{{
				Message:      map[string]any{"role": "assistant", "content": text},
				FinishReason: "stop",
			}},
		})
	}))

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, modelList("vscode", pinnedModel))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		openaiFail(w, http.StatusNotFound, "no handler for "+r.URL.Path)
	})

	return mux
}
