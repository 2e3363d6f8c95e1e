package openrouter

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
		Model:    "anthropic/claude-3.5-sonnet",
		Messages: []providers.Message{{Role: "user", Content: "Hello"}},
	}
}

func TestProvider_Chat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer or-key" {
			t.Fatalf("wrong Authorization header: %q", got)
		}
		if r.Header.Get("HTTP-Referer") == "" || r.Header.Get("X-Title") == "" {
			t.Fatal("expected attribution headers to be set")
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "anthropic/claude-3.5-sonnet" {
			t.Fatalf("unexpected model: %q", body.Model)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{
			"id":"gen-1","model":"anthropic/claude-3.5-sonnet",
			"choices":[{"message":{"role":"assistant","content":"Hi!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}
		}`)
	}))
	defer srv.Close()

	p := New("or-key", srv.URL)
	resp, err := p.Chat(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hi!" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestProvider_Chat_Streaming_RawFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)

		frames := []string{
			": OPENROUTER PROCESSING",
			`data: {"id":"gen-2","model":"anthropic/claude-3.5-sonnet","choices":[{"delta":{"content":"Hello"},"finish_reason":""}]}`,
			`data: {"id":"gen-2","model":"anthropic/claude-3.5-sonnet","choices":[{"delta":{"content":" world"},"finish_reason":""}]}`,
			`data: {"id":"gen-2","model":"anthropic/claude-3.5-sonnet","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
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

	p := New("or-key", srv.URL)
	resp, err := p.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		content strings.Builder
		last    providers.StreamChunk
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
		last = chunk
	}

	if content.String() != "Hello world" {
		t.Fatalf("expected 'Hello world', got %q", content.String())
	}
	if !rawSeen {
		t.Fatal("expected raw frames to be passed through")
	}
	if last.FinishReason != "stop" {
		t.Fatalf("expected final finish reason 'stop', got %q", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 5 {
		t.Fatalf("expected usage on final chunk, got %+v", last.Usage)
	}
}

func TestProvider_Chat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprintln(w, `{"error":{"message":"Insufficient credits","code":402}}`)
	}))
	defer srv.Close()

	p := New("or-key", srv.URL)
	_, err := p.Chat(context.Background(), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *providers.Error, got %T: %v", err, err)
	}
	if pe.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", pe.StatusCode)
	}
	if pe.Message != "Insufficient credits" {
		t.Fatalf("unexpected message: %q", pe.Message)
	}
}

func TestProvider_Chat_NoKey(t *testing.T) {
	p := New("", "")
	_, err := p.Chat(context.Background(), baseRequest())

	var pe *providers.Error
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 *providers.Error, got %v", err)
	}
}

func TestProvider_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"data":[
			{"id":"anthropic/claude-3.5-sonnet","created":1718841600},
			{"id":"openai/gpt-4o","created":1715558400}
		]}`)
	}))
	defer srv.Close()

	p := New("or-key", srv.URL)
	infos, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 models, got %d", len(infos))
	}
	if infos[0].ID != "anthropic/claude-3.5-sonnet" || infos[0].OwnedBy != "openrouter" {
		t.Fatalf("unexpected model info: %+v", infos[0])
	}
}
