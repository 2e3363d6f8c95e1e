// Package openaicompat provides a generic OpenAI-compatible adapter. Use it
// for any service that implements the OpenAI chat completions API (xAI, Groq,
// DeepSeek, Together AI, vLLM, llama.cpp servers, etc.).
//
// Unlike the first-party adapters, an API key is optional: many compatible
// servers are local and unauthenticated. When the upstream does not report
// token usage, a character-based estimate is recorded instead.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider serves one catalogue configuration against an OpenAI-compatible
// endpoint.
type Provider struct {
	name    string
	baseURL string
	client  openaiSDK.Client
}

// New builds a Provider.
//
//   - name    — service type label used in logs and metrics.
//   - apiKey  — optional; sent as "Authorization: Bearer <key>" when set.
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1".
func New(name, apiKey, baseURL string) *Provider {
	p := &Provider{
		name:    name,
		baseURL: baseURL,
	}

	// The key is passed even when empty so the SDK never falls back to the
	// process environment.
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{}),
	}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}

	p.client = openaiSDK.NewClient(opts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
	}
	return nil
}

// ListModels returns the upstream's model inventory.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	var infos []providers.ModelInfo
	iter := p.client.Models.ListAutoPaging(ctx)
	for iter.Next() {
		m := iter.Current()
		infos = append(infos, providers.ModelInfo{
			ID:      m.ID,
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%s: list models: %w", p.name, p.toProviderError(err))
	}
	return infos, nil
}

// Chat performs a chat completion, streaming when req.Stream is set.
func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(req)
	if req.Stream {
		return p.handleStreaming(ctx, req, params)
	}
	return p.handleResponse(ctx, req, params)
}

func buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		// max_tokens rather than max_completion_tokens: older compatible
		// servers only understand the former.
		params.MaxTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{OfStringArray: req.Stop}
	}

	return params
}

func (p *Provider) handleResponse(
	ctx context.Context,
	req *providers.ChatRequest,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	content, finishReason := "", ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = string(resp.Choices[0].FinishReason)
	}

	usage := providers.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	if usage.TotalTokens == 0 {
		usage = estimateUsage(req, content)
	}

	return &providers.ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finishReason,
		Usage:        usage,
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	req *providers.ChatRequest,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var (
			sawUsage bool
			content  strings.Builder
		)

		for stream.Next() {
			chunk := stream.Current()
			out := providers.StreamChunk{
				ID:  chunk.ID,
				Raw: []byte(chunk.RawJSON()),
			}
			if len(chunk.Choices) > 0 {
				out.Content = chunk.Choices[0].Delta.Content
				out.FinishReason = chunk.Choices[0].FinishReason
				content.WriteString(out.Content)
			}
			if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
				sawUsage = true
				out.Usage = &providers.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			ch <- out
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{FinishReason: "error", Err: p.toProviderError(err)}
			return
		}

		if !sawUsage {
			u := estimateUsage(req, content.String())
			ch <- providers.StreamChunk{Usage: &u}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// estimateUsage approximates token counts for upstreams that don't report
// them.
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

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
