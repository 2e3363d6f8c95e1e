package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      map[string]any `json:"message,omitempty"`
	Delta        map[string]any `json:"delta,omitempty"`
	FinishReason any            `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chatChoice   `json:"choices"`
	Usage   map[string]int `json:"usage,omitempty"`
}

// newOpenAIHandler stands in for the OpenAI API. OpenRouter and generic
// OpenAI-compatible upstreams share the wire format, so one handler covers
// all three.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", withChaos(cfg, openaiFail, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			openaiFail(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		text := lorem(cfg.StreamWords)

		if req.Stream {
			streamChat(w, id, model, text)
			return
		}
		reply(w, http.StatusOK, chatCompletion{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []chatChoice{{
				Message:      map[string]any{"role": "assistant", "content": text},
				FinishReason: "stop",
			}},
			Usage: map[string]int{
				"prompt_tokens":     10,
				"completion_tokens": cfg.StreamWords,
				"total_tokens":      10 + cfg.StreamWords,
			},
		})
	}))

	// Health probes and model discovery list this.
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, http.StatusOK, modelList("openai", "gpt-4o", "gpt-4o-mini", "gpt-4-turbo"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		openaiFail(w, http.StatusNotFound, "no handler for "+r.URL.Path)
	})

	return mux
}

// modelList builds an OpenAI-shaped model listing.
func modelList(owner string, ids ...string) map[string]any {
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{
			"id": id, "object": "model", "created": 1710000000, "owned_by": owner,
		})
	}
	return map[string]any{"object": "list", "data": data}
}

// streamChat emits the completion one word per SSE chunk, then a stop chunk
// and the [DONE] sentinel.
func streamChat(w http.ResponseWriter, id, model, text string) {
	sse := newSSEWriter(w)
	created := time.Now().Unix()

	chunk := func(delta map[string]any, finish any) chatCompletion {
		return chatCompletion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	for _, word := range strings.Fields(text) {
		sse.event("", chunk(map[string]any{"content": word + " "}, nil))
	}
	sse.event("", chunk(map[string]any{}, "stop"))
	sse.raw("[DONE]")
}
