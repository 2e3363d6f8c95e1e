package vscodeproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		// The catalogue's model_id is ignored: the proxy only knows its
		// pinned token.
		Model:    "copilot-gpt-4",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
}

func TestProvider_Chat_PinsModelAndSkipsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Fatalf("expected no Authorization header, got %q", got)
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != pinnedModel {
			t.Fatalf("expected pinned model %q, got %q", pinnedModel, body.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{
			"id":"chatcmpl-1","model":"vscode-lm-proxy",
			"choices":[{"message":{"role":"assistant","content":"Hi from VS Code!"},"finish_reason":"stop"}]
		}`)
	}))
	defer srv.Close()

	p := New(srv.URL)
	resp, err := p.Chat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi from VS Code!" {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	// No usage reported upstream: expect a character estimate.
	if resp.Usage.TotalTokens == 0 {
		t.Fatal("expected estimated usage, got zero")
	}
}

func TestProvider_Chat_BaseURLWithV1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("expected /v1/chat/completions, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"id":"chatcmpl-2","model":"vscode-lm-proxy","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	// The /v1 segment must not be doubled when the base already carries it.
	p := New(srv.URL + "/v1")
	if _, err := p.Chat(context.Background(), baseRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvider_Chat_Streaming_RawPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		frames := []string{
			`data: {"id":"chatcmpl-3","model":"vscode-lm-proxy","choices":[{"delta":{"content":"Hello"},"finish_reason":""}]}`,
			`data: {"id":"chatcmpl-3","model":"vscode-lm-proxy","choices":[{"delta":{"content":" world"},"finish_reason":""}]}`,
			`data: {"id":"chatcmpl-3","model":"vscode-lm-proxy","choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"data: [DONE]",
		}
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	p := New(srv.URL)
	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		content strings.Builder
		usage   *providers.Usage
		rawSeen bool
	)
	for chunk := range resp.Stream {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		content.WriteString(chunk.Content)
		if len(chunk.Raw) > 0 {
			rawSeen = true
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if content.String() != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", content.String())
	}
	if !rawSeen {
		t.Fatal("expected raw frames to be passed through")
	}
	if usage == nil || usage.CompletionTokens != providers.EstimateTokens("Hello world") {
		t.Fatalf("expected estimated usage at stream end, got %+v", usage)
	}
}

func TestProvider_Chat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"error":{"message":"no language model selected","type":"server_error"}}`)
	}))
	defer srv.Close()

	p := New(srv.URL)
	_, err := p.Chat(context.Background(), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", pe.StatusCode)
	}
	if pe.Message != "no language model selected" {
		t.Fatalf("unexpected message: %q", pe.Message)
	}
}

func TestProvider_ListModels_Pinned(t *testing.T) {
	p := New("")
	infos, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != pinnedModel {
		t.Fatalf("expected single pinned model, got %+v", infos)
	}
}
