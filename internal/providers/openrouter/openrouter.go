// Package openrouter adapts the bridge to the OpenRouter aggregation API.
// OpenRouter speaks the OpenAI dialect over Bearer auth and additionally
// accepts attribution headers (HTTP-Referer, X-Title) identifying the
// calling application.
package openrouter

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
	defaultBaseURL = "https://openrouter.ai/api/v1"
	providerName   = "openrouter"

	refererHeader = "https://github.com/nulpointcorp/llm-bridge"
	titleHeader   = "llm-bridge"
)

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
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
	Code    any    `json:"code"`
}

type modelList struct {
	Data []struct {
		ID      string `json:"id"`
		Created int64  `json:"created"`
	} `json:"data"`
}

// Provider serves one catalogue configuration against OpenRouter.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New builds a Provider. baseURL may be empty for the public API.
func New(apiKey, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.requireKey(); err != nil {
		return err
	}
	resp, err := p.get(ctx, "/models")
	if err != nil {
		return fmt.Errorf("openrouter: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openrouter: health check: %w", p.parseError(resp))
	}
	return nil
}

// ListModels returns the upstream's model inventory.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}
	resp, err := p.get(ctx, "/models")
	if err != nil {
		return nil, fmt.Errorf("openrouter: list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.parseError(resp)
	}

	var list modelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("openrouter: decode models: %w", err)
	}

	infos := make([]providers.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		infos = append(infos, providers.ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: providerName,
		})
	}
	return infos, nil
}

// Chat performs a chat completion, streaming when req.Stream is set.
func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	if req.Stream {
		return handleStreaming(resp), nil
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func buildRequest(req *providers.ChatRequest) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	}
}

func handleResponse(resp *http.Response) (*providers.ChatResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("openrouter: decode response: %w", err)
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
	if cr.Usage != nil {
		out.Usage = providers.SumUsage(providers.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
		})
	}
	return out, nil
}

// handleStreaming relays the upstream SSE frames. Frames are already in the
// OpenAI dialect, so each one is passed through on Raw for in-place model
// rewriting.
func handleStreaming(resp *http.Response) *providers.ChatResponse {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				// OpenRouter interleaves ": OPENROUTER PROCESSING" comments.
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
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
				}
				out.FinishReason = cr.Choices[0].FinishReason
			}
			if cr.Usage != nil {
				out.Usage = &providers.Usage{
					PromptTokens:     cr.Usage.PromptTokens,
					CompletionTokens: cr.Usage.CompletionTokens,
					TotalTokens:      cr.Usage.TotalTokens,
				}
			}
			ch <- out
		}

		if err := scanner.Err(); err != nil {
			ch <- providers.StreamChunk{FinishReason: "error", Err: fmt.Errorf("openrouter: stream: %w", err)}
		}
	}()

	return &providers.ChatResponse{Stream: ch}
}

func (p *Provider) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	p.setHeaders(req)
	return p.client.Do(req)
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("HTTP-Referer", refererHeader)
	req.Header.Set("X-Title", titleHeader)
}

func (p *Provider) requireKey() error {
	if p.apiKey == "" {
		return &providers.Error{StatusCode: http.StatusUnauthorized, Message: "openrouter: no API key configured"}
	}
	return nil
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
		Message:    fmt.Sprintf("openrouter: unexpected status %d", resp.StatusCode),
	}
}
