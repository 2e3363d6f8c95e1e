package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

func anthropicFail(w http.ResponseWriter, status int, msg string) {
	reply(w, status, map[string]any{
		"type":  "error",
		"error": map[string]string{"type": "api_error", "message": msg},
	})
}

// newAnthropicHandler stands in for the Anthropic Messages API.
func newAnthropicHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/messages", withChaos(cfg, anthropicFail, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			anthropicFail(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		model := req.Model
		if model == "" {
			model = "claude-sonnet-4-20250514"
		}

		id := fmt.Sprintf("msg_%x", rand.Int64())
		text := lorem(cfg.StreamWords)
		out := cfg.StreamWords

		if req.Stream {
			streamMessages(w, id, model, text, out)
			return
		}
		reply(w, http.StatusOK, map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []map[string]string{{"type": "text", "text": text}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 15, "output_tokens": out},
		})
	}))

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		now := time.Now().Unix()
		reply(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": "claude-sonnet-4-20250514", "display_name": "Claude Sonnet 4", "created_at": now},
				{"id": "claude-3-5-haiku-20241022", "display_name": "Claude 3.5 Haiku", "created_at": now},
			},
			"has_more": false,
			"first_id": "claude-sonnet-4-20250514",
			"last_id":  "claude-3-5-haiku-20241022",
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		anthropicFail(w, http.StatusNotFound, "no handler for "+r.URL.Path)
	})

	return mux
}

// streamMessages replays the full Anthropic streaming event sequence:
// message_start, content_block_start, ping, per-word content_block_delta,
// content_block_stop, message_delta with final usage, message_stop.
func streamMessages(w http.ResponseWriter, id, model, text string, outTokens int) {
	sse := newSSEWriter(w)

	sse.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            id,
			"type":          "message",
			"role":          "assistant",
			"model":         model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 15, "output_tokens": 0},
		},
	})
	sse.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]string{"type": "text", "text": ""},
	})
	sse.event("ping", map[string]string{"type": "ping"})

	for _, word := range strings.Fields(text) {
		sse.event("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": word + " "},
		})
	}

	sse.event("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})
	sse.event("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": outTokens},
	})
	sse.event("message_stop", map[string]string{"type": "message_stop"})
}
