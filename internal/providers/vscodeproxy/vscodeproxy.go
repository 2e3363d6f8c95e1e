// Package vscodeproxy adapts the bridge to a local vscode-lm-proxy server,
// which exposes the VS Code language model API over an OpenAI-shaped surface.
//
// The upstream is trusted and local: no API key is sent, and the upstream
// model id is pinned to the fixed token the proxy recognises regardless of
// what the catalogue entry stores. The proxy rarely reports token usage, so
// a character-based estimate fills the gap.
package vscodeproxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	defaultBaseURL = "http://127.0.0.1:3000"
	providerName   = "vscode_proxy"

	// The model token vscode-lm-proxy expects on every request.
	pinnedModel = "vscode-lm-proxy"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Provider serves one catalogue configuration against vscode-lm-proxy.
type Provider struct {
	baseURL string
	client  *http.Client
}

// New builds a Provider. baseURL may be empty for the standard local port.
func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url("/models"), nil)
	if err != nil {
		return fmt.Errorf("vscodeproxy: health check: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("vscodeproxy: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vscodeproxy: health check: status %d", resp.StatusCode)
	}
	return nil
}

// ListModels reports the single pinned model: the proxy serves whatever model
// the VS Code session has selected under one fixed id.
func (p *Provider) ListModels(_ context.Context) ([]providers.ModelInfo, error) {
	return []providers.ModelInfo{
		{ID: pinnedModel, OwnedBy: providerName},
	}, nil
}

// Chat performs a chat completion, streaming when req.Stream is set. The
// model field is always the pinned token.
func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("vscodeproxy: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.url("/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vscodeproxy: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vscodeproxy: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	if req.Stream {
		return handleStreaming(resp, req), nil
	}
	defer resp.Body.Close()
	return handleResponse(resp, req)
}

func buildRequest(req *providers.ChatRequest) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	cr := chatRequest{
		Model:    pinnedModel,
		Messages: msgs,
		Stream:   req.Stream,
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	return cr
}

func handleResponse(resp *http.Response, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("vscodeproxy: decode response: %w", err)
	}

	content, finishReason := "", ""
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
		finishReason = cr.Choices[0].FinishReason
	}

	out := &providers.ChatResponse{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finishReason,
	}
	if cr.Usage != nil && cr.Usage.TotalTokens > 0 {
		out.Usage = providers.SumUsage(providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		})
	} else {
		out.Usage = estimateUsage(req, content)
	}
	return out, nil
}

// handleStreaming relays the upstream SSE frames. The frames are OpenAI
// dialect, so they pass through on Raw; the gateway rewrites the pinned model
// back to the client's public name.
func handleStreaming(resp *http.Response, req *providers.ChatRequest) *providers.ChatResponse {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		var (
			sawUsage bool
			content  strings.Builder
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}

			out := providers.StreamChunk{
				ID:  cr.ID,
				Raw: []byte(data),
			}
			if len(cr.Choices) > 0 {
				if cr.Choices[0].Delta != nil {
					out.Content = cr.Choices[0].Delta.Content
					content.WriteString(out.Content)
				}
				out.FinishReason = cr.Choices[0].FinishReason
			}
			if cr.Usage != nil && cr.Usage.TotalTokens > 0 {
				sawUsage = true
				out.Usage = &providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			ch <- out
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{FinishReason: "error", Err: fmt.Errorf("vscodeproxy: stream: %w", err)}
			return
		}

		if !sawUsage {
			u := estimateUsage(req, content.String())
			ch <- providers.StreamChunk{Usage: &u}
		}
	}()

	return &providers.ChatResponse{Stream: ch}
}

func estimateUsage(req *providers.ChatRequest, completion string) providers.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += providers.EstimateTokens(m.Content)
	}
	return providers.SumUsage(providers.Usage{
		PromptTokens:     prompt,
		CompletionTokens: providers.EstimateTokens(completion),
	})
}

// url joins the configured base with an API path, tolerating bases with and
// without a trailing /v1 segment.
func (p *Provider) url(path string) string {
	if strings.HasSuffix(p.baseURL, "/v1") {
		return p.baseURL + path
	}
	return p.baseURL + "/v1" + path
}

func (p *Provider) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &providers.Error{
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
		}
	}
	return &providers.Error{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("vscodeproxy: unexpected status %d", resp.StatusCode),
	}
}
