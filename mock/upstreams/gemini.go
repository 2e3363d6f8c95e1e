package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

func geminiFail(w http.ResponseWriter, status int, msg string) {
	reply(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": msg, "status": "INTERNAL"},
	})
}

// newGeminiHandler stands in for the Gemini generative language API as the
// genai SDK drives it:
//
//	POST /v1beta/models/{model}:generateContent
//	POST /v1beta/models/{model}:streamGenerateContent
//	GET  /v1beta/models
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	// The ":action" suffix is not expressible as a mux pattern, so one
	// handler dispatches on it.
	mux.HandleFunc("POST /v1beta/models/", withChaos(cfg, geminiFail, func(w http.ResponseWriter, r *http.Request) {
		model, action, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/v1beta/models/"), ":")
		if !ok {
			geminiFail(w, http.StatusNotFound, "no handler for "+r.URL.Path)
			return
		}
		switch action {
		case "generateContent":
			generateContent(w, cfg, model, false)
		case "streamGenerateContent":
			generateContent(w, cfg, model, true)
		default:
			geminiFail(w, http.StatusNotFound, "unknown action "+action)
		}
	}))

	mux.HandleFunc("GET /v1beta/models", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash", "description": "stand-in"},
				{"name": "models/gemini-1.5-pro", "displayName": "Gemini 1.5 Pro", "description": "stand-in"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		geminiFail(w, http.StatusNotFound, "no handler for "+r.URL.Path)
	})

	return mux
}

func generateContent(w http.ResponseWriter, cfg Config, model string, stream bool) {
	text := lorem(cfg.StreamWords)

	resp := map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"finishReason": "STOP",
			"index":        0,
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      10 + cfg.StreamWords,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}

	if stream {
		// The genai SDK reads streaming responses as a JSON array.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]any{resp})
		return
	}
	reply(w, http.StatusOK, resp)
}
