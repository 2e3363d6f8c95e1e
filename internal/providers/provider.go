// Package providers defines the common interface and types implemented by
// every upstream adapter (OpenAI, Anthropic, Gemini, OpenRouter, the local
// service types, and others).
//
// Adapters are constructed per catalogue configuration: the same package can
// serve many configurations pointing at different base URLs with different
// keys. Each adapter translates the bridge's normalized request into its wire
// dialect and normalizes responses and stream chunks back.
package providers

import (
	"context"
	"fmt"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats. TotalTokens is always prompt + completion;
	// SumUsage normalises upstream-reported counts to keep it that way.
	Usage struct {
		PromptTokens     int
		CompletionTokens int
		TotalTokens      int
	}

	// ChatRequest — normalized client request. Model carries the upstream
	// model identifier, already resolved from the public name.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64 // 0 = provider default
		TopP        float64 // 0 = provider default
		MaxTokens   int     // 0 = provider default
		Stop        []string
	}

	// StreamChunk is a single delta delivered during a streaming response.
	//
	// Raw holds the upstream's original OpenAI-format frame when the upstream
	// speaks that dialect; the gateway then rewrites its model field in place
	// instead of synthesizing a new frame. Adapters for non-OpenAI dialects
	// leave Raw nil.
	//
	// Err is set on the last chunk when the upstream failed after streaming
	// began. The connection is already committed to SSE at that point, so the
	// error cannot become an HTTP status anymore.
	StreamChunk struct {
		ID           string
		Content      string
		FinishReason string
		Usage        *Usage // non-nil on the final chunk when reported upstream
		Raw          []byte
		Err          error
	}

	// ChatResponse — normalized provider response. Stream is nil for
	// non-streaming requests; for streaming requests Content is empty and the
	// chunks arrive on Stream until it closes.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk
	}

	// ModelInfo describes one model discovered from an upstream.
	ModelInfo struct {
		ID      string
		Created int64
		OwnedBy string
	}
)

// Provider — upstream adapter interface.
type Provider interface {
	// Name returns the service type label, e.g. "openai".
	Name() string

	// ListModels queries the upstream for its available models.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// HealthCheck probes the upstream cheaply. nil means reachable.
	HealthCheck(ctx context.Context) error

	// Chat performs a chat completion, streaming when req.Stream is set.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
// The proxy maps these onto its client-facing error taxonomy.
type StatusCoder interface {
	HTTPStatus() int
}

// Error is the adapter error carrying the upstream HTTP status. The message
// must not embed upstream-identifying details beyond what the upstream said.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// EstimateTokens approximates token usage for upstreams that do not report
// it: characters divided by four, minimum one for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// SumUsage normalises reported token counts so the total always equals the
// sum of the parts, whatever the upstream claimed. An upstream that reports
// only a total gets it attributed to completion output rather than dropped.
func SumUsage(u Usage) Usage {
	if u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens > 0 {
		u.CompletionTokens = u.TotalTokens
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
