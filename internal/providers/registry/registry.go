// Package registry builds upstream adapters from catalogue configurations.
//
// Adapters are cached per configuration id and rebuilt when the row changes
// (UpdatedAt moves), so a hot catalogue reload does not recreate SDK clients
// for untouched configurations.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
	"github.com/nulpointcorp/llm-bridge/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-bridge/internal/providers/gemini"
	"github.com/nulpointcorp/llm-bridge/internal/providers/lmstudio"
	"github.com/nulpointcorp/llm-bridge/internal/providers/openai"
	"github.com/nulpointcorp/llm-bridge/internal/providers/openaicompat"
	"github.com/nulpointcorp/llm-bridge/internal/providers/openrouter"
	"github.com/nulpointcorp/llm-bridge/internal/providers/vscodeproxy"
)

type entry struct {
	updatedAt time.Time
	provider  providers.Provider
}

// Registry caches one adapter per catalogue configuration.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]entry
}

func New() *Registry {
	return &Registry{entries: make(map[int64]entry)}
}

// For returns the adapter serving the given configuration, building it on
// first use or after the configuration changed.
func (r *Registry) For(ctx context.Context, m catalog.Model) (providers.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[m.ID]; ok && e.updatedAt.Equal(m.UpdatedAt) {
		return e.provider, nil
	}

	p, err := build(ctx, m)
	if err != nil {
		return nil, err
	}
	r.entries[m.ID] = entry{updatedAt: m.UpdatedAt, provider: p}
	return p, nil
}

// Prune drops cached adapters for configurations no longer in the snapshot.
func (r *Registry) Prune(snap *catalog.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.entries {
		if _, ok := snap.Get(id); !ok {
			delete(r.entries, id)
		}
	}
}

func build(ctx context.Context, m catalog.Model) (providers.Provider, error) {
	baseURL := m.ResolvedBaseURL()

	switch m.ServiceType {
	case catalog.ServiceOpenAI:
		return openai.New(m.APIKey, baseURL), nil
	case catalog.ServiceAnthropic:
		return anthropic.New(m.APIKey, baseURL), nil
	case catalog.ServiceGemini:
		return gemini.New(ctx, m.APIKey, baseURL)
	case catalog.ServiceOpenRouter:
		return openrouter.New(m.APIKey, baseURL), nil
	case catalog.ServiceVSCodeProxy:
		return vscodeproxy.New(baseURL), nil
	case catalog.ServiceLMStudio:
		return lmstudio.New(m.APIKey, baseURL), nil
	case catalog.ServiceOpenAICompatible:
		return openaicompat.New(string(catalog.ServiceOpenAICompatible), m.APIKey, baseURL), nil
	case catalog.ServiceNone:
		return nonePlaceholder{}, nil
	default:
		return nil, fmt.Errorf("registry: unknown service type %q", m.ServiceType)
	}
}

// nonePlaceholder backs the "none" service type: a reserved public name with
// no upstream behind it.
type nonePlaceholder struct{}

func (nonePlaceholder) Name() string { return string(catalog.ServiceNone) }

func (nonePlaceholder) ListModels(context.Context) ([]providers.ModelInfo, error) {
	return nil, nil
}

func (nonePlaceholder) HealthCheck(context.Context) error { return nil }

func (nonePlaceholder) Chat(context.Context, *providers.ChatRequest) (*providers.ChatResponse, error) {
	return nil, &providers.Error{
		StatusCode: http.StatusBadGateway,
		Message:    "no upstream service configured for this model",
	}
}
