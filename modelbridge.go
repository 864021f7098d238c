// Package modelbridge provides a top-level convenience entry point for
// creating a generation backend with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/modelbridge"
//
//	p, err := modelbridge.New(config.Settings{})                    // local backend, all defaults
//	p, err := modelbridge.New(config.Settings{Provider: "openai", APIKey: key})
//
// This is a thin wrapper around [factory.NewProviderFromSettings];
// both produce identical results.
package modelbridge

import (
	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/BaSui01/modelbridge/llm/config"
	"github.com/BaSui01/modelbridge/llm/factory"
	"go.uber.org/zap"
)

// New creates a generation backend from settings, resolving every unset
// field through the environment and the builtin defaults.
func New(s config.Settings) (llm.Provider, error) {
	return factory.NewProviderFromSettings(s, nil, nil)
}

// NewWithLogger is [New] with a custom zap logger.
func NewWithLogger(s config.Settings, logger *zap.Logger) (llm.Provider, error) {
	return factory.NewProviderFromSettings(s, nil, logger)
}

// NewRegistry creates a provider registry with the configured backend
// registered as the default.
func NewRegistry(s config.Settings, caps *capability.Registry, logger *zap.Logger) (*llm.ProviderRegistry, error) {
	return factory.NewRegistryFromSettings(s, caps, logger)
}
