// Package gemini adapts the bridge to the Google Gemini API via the official
// GenAI SDK. OpenAI-style system/developer messages become the system
// instruction; assistant turns map to the model role.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider serves one catalogue configuration against the Gemini API.
type Provider struct {
	apiKey string
	client *genai.Client
}

// New builds a Provider. baseURL may be empty for the public API; point it at
// a mock server in tests.
func New(ctx context.Context, apiKey, baseURL string) (*Provider, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	return &Provider{apiKey: apiKey, client: client}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if err := p.requireKey(); err != nil {
		return err
	}
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// ListModels returns the models that support content generation. Tuned
// embedding or vision-only entries are not usable through the chat surface.
func (p *Provider) ListModels(ctx context.Context) ([]providers.ModelInfo, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}

	var infos []providers.ModelInfo
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, fmt.Errorf("gemini: list models: %w", toProviderError(err))
		}
		if m == nil || !supportsGeneration(m) {
			continue
		}
		infos = append(infos, providers.ModelInfo{
			ID:      strings.TrimPrefix(m.Name, "models/"),
			OwnedBy: "google",
		})
	}
	return infos, nil
}

func supportsGeneration(m *genai.Model) bool {
	for _, a := range m.SupportedActions {
		if a == "generateContent" {
			return true
		}
	}
	return false
}

// Chat performs a content generation, streaming when req.Stream is set.
func (p *Provider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := p.requireKey(); err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return p.handleStreaming(ctx, req.Model, contents, cfg)
	}
	return p.handleResponse(ctx, req.Model, contents, cfg)
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	ensure := func() *genai.GenerateContentConfig {
		if cfg == nil {
			cfg = &genai.GenerateContentConfig{}
		}
		return cfg
	}

	if systemPrompt != "" {
		ensure().SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		ensure().Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		ensure().TopP = genai.Ptr[float32](float32(req.TopP))
	}
	if req.MaxTokens > 0 {
		ensure().MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		ensure().StopSequences = req.Stop
	}

	return contents, cfg
}

func (p *Provider) handleResponse(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id, out, finish := generateID(), "", ""
	var usage providers.Usage

	if resp != nil {
		if resp.ResponseID != "" {
			id = resp.ResponseID
		}
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = mapFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			usage = providers.SumUsage(providers.Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			})
		}
	}

	return &providers.ChatResponse{
		ID:           id,
		Model:        model,
		Content:      out,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

func (p *Provider) handleStreaming(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		id := generateID()
		var usage *providers.Usage

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{ID: id, FinishReason: "error", Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			if resp.ResponseID != "" {
				id = resp.ResponseID
			}
			if resp.UsageMetadata != nil {
				usage = &providers.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := mapFinishReason(c.FinishReason)

			if text != "" && finish == "" {
				ch <- providers.StreamChunk{ID: id, Content: text}
				continue
			}
			if finish != "" {
				// Final chunk carries the remaining text plus usage.
				ch <- providers.StreamChunk{ID: id, Content: text, FinishReason: finish, Usage: usage}
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func (p *Provider) requireKey() error {
	if p.apiKey == "" {
		return &providers.Error{StatusCode: http.StatusUnauthorized, Message: "gemini: no API key configured"}
	}
	return nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// mapFinishReason translates Gemini finish reasons into the OpenAI finish
// reasons the bridge speaks to clients.
func mapFinishReason(r genai.FinishReason) string {
	switch r {
	case "":
		return ""
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return "content_filter"
	default:
		return strings.ToLower(string(r))
	}
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
