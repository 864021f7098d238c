// Package factory creates generation backends by name. It imports the
// backend packages and maps string names to their constructors, keeping
// the llm package itself free of provider dependencies.
package factory

import (
	"fmt"

	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/BaSui01/modelbridge/llm/config"
	"github.com/BaSui01/modelbridge/llm/providers"
	"github.com/BaSui01/modelbridge/llm/providers/ollama"
	"github.com/BaSui01/modelbridge/llm/providers/openaicompat"
	"go.uber.org/zap"
)

// NewProviderFromSettings creates a backend from resolved settings.
//
// Supported provider names: "ollama" (local chat server) and "openai"
// (any OpenAI-compatible cloud API).
func NewProviderFromSettings(s config.Settings, caps *capability.Registry, logger *zap.Logger) (llm.Provider, error) {
	s = s.Resolved()
	if caps == nil {
		caps = capability.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base := providers.BaseProviderConfig{
		APIKey:  s.APIKey,
		BaseURL: s.Endpoint,
		Model:   s.Model,
		Timeout: s.Timeout(),
	}

	switch s.Provider {
	case "ollama":
		return ollama.New(providers.OllamaConfig{BaseProviderConfig: base}, caps, logger), nil
	case "openai":
		// The local-backend endpoint default must not leak into the
		// cloud bridge; let it apply its own.
		if base.BaseURL == config.DefaultEndpoint {
			base.BaseURL = ""
		}
		return openaicompat.New(providers.OpenAICompatConfig{
			BaseProviderConfig: base,
			ProviderName:       "openai",
		}, caps, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: ollama, openai)", s.Provider)
	}
}

// NewRegistryFromSettings builds a provider registry holding the
// configured backend as the default entry.
func NewRegistryFromSettings(s config.Settings, caps *capability.Registry, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	p, err := NewProviderFromSettings(s, caps, logger)
	if err != nil {
		return nil, err
	}
	reg := llm.NewProviderRegistry()
	reg.Register(p.Name(), p)
	if err := reg.SetDefault(p.Name()); err != nil {
		return nil, err
	}
	return reg, nil
}
