// Package anthropic adapts the bridge to the Anthropic Messages API via the
// official SDK. OpenAI-style system/developer messages are folded into the
// Messages API system prompt.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider serves one catalogue configuration against the Anthropic API.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// New builds a Provider. baseURL may be empty for the public API; point it at
// a mock server in tests.
func New(apiKey, baseURL string) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: baseURL,
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(&http.Client{}),
	)
	return p
}

func (p *Provider) Name() string { return providerName }

// HealthCheck asks for a single model, the cheapest authenticated call.
func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.requireKey(); err != nil {
		return err
	}
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

// ListModels returns the upstream's model inventory.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}

	var infos []providers.ModelInfo
	iter := p.client.Models.ListAutoPaging(ctx, anthropic.ModelListParams{})
	for iter.Next() {
		m := iter.Current()
		infos = append(infos, providers.ModelInfo{
			ID:      m.ID,
			Created: m.CreatedAt.Unix(),
			OwnedBy: providerName,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", toProviderError(err))
	}
	return infos, nil
}

// Chat performs a message completion, streaming when req.Stream is set.
func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}

	params := buildMessageParams(req)
	if req.Stream {
		return p.handleStreaming(ctx, params)
	}
	return p.handleResponse(ctx, params)
}

func buildMessageParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	// The Messages API requires max_tokens.
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func (p *Provider) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
) (*providers.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: providers.SumUsage(providers.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		}),
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)
	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		var (
			id           string
			inputTokens  int
			outputTokens int
		)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				id = eventVariant.Message.ID
				inputTokens = int(eventVariant.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{ID: id, Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{ID: id, Content: deltaVariant.Text}
					}
				}

			case anthropic.MessageDeltaEvent:
				outputTokens = int(eventVariant.Usage.OutputTokens)
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					ch <- providers.StreamChunk{
						ID:           id,
						FinishReason: mapStopReason(reason),
						Usage: &providers.Usage{
							PromptTokens:     inputTokens,
							CompletionTokens: outputTokens,
							TotalTokens:      inputTokens + outputTokens,
						},
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{ID: id, FinishReason: "error", Err: toProviderError(err)}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// mapStopReason translates Messages API stop reasons into the OpenAI finish
// reasons the bridge speaks to clients.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "":
		return ""
	default:
		return reason
	}
}

func (p *Provider) requireKey() error {
	if p.apiKey == "" {
		return &providers.Error{StatusCode: http.StatusUnauthorized, Message: "anthropic: no API key configured"}
	}
	return nil
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
