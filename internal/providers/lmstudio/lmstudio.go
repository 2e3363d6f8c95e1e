// Package lmstudio adapts the bridge to a local LM Studio server. LM Studio
// speaks the OpenAI dialect without authentication, so this is the generic
// OpenAI-compatible adapter pinned to the LM Studio defaults.
package lmstudio

import (
	"github.com/nulpointcorp/llm-bridge/internal/providers/openaicompat"
)

const (
	defaultBaseURL = "http://127.0.0.1:1234/v1"
	providerName   = "lmstudio"
)

// New builds the adapter. baseURL may be empty for a server on the standard
// local port; apiKey is usually empty.
func New(apiKey, baseURL string) *openaicompat.Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return openaicompat.New(providerName, apiKey, baseURL)
}
