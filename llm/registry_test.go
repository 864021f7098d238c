package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider 仅用于注册表测试，不执行任何真实调用。
type stubProvider struct {
	name string
}

func (s *stubProvider) Completion(context.Context, *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Model: "stub", Done: true}, nil
}

func (s *stubProvider) Stream(context.Context, *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubProvider) HealthCheck(context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (s *stubProvider) ListModels(context.Context) ([]Model, error) { return nil, nil }

func (s *stubProvider) CountTokens(*ChatRequest) (int, error) { return 0, nil }

func (s *stubProvider) Embeddings(context.Context, []string) ([][]float64, error) {
	return nil, &Error{Code: ErrUnsupportedFeature, Message: "stub has no embeddings"}
}

func (s *stubProvider) Name() string                        { return s.name }
func (s *stubProvider) SupportsNativeFunctionCalling() bool { return false }

func TestProviderRegistryRegisterAndGet(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("ollama", &stubProvider{name: "ollama"})

	p, ok := reg.Get("ollama")
	require.True(t, ok)
	assert.Equal(t, "ollama", p.Name())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestProviderRegistryDefault(t *testing.T) {
	reg := NewProviderRegistry()

	_, err := reg.Default()
	assert.Error(t, err, "empty registry has no default")

	reg.Register("ollama", &stubProvider{name: "ollama"})
	reg.Register("openai", &stubProvider{name: "openai"})

	assert.Error(t, reg.SetDefault("missing"))
	require.NoError(t, reg.SetDefault("openai"))

	p, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestProviderRegistryListSorted(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("openai", &stubProvider{name: "openai"})
	reg.Register("ollama", &stubProvider{name: "ollama"})

	assert.Equal(t, []string{"ollama", "openai"}, reg.List())
}

func TestProviderRegistryUnregisterClearsDefault(t *testing.T) {
	reg := NewProviderRegistry()
	reg.Register("ollama", &stubProvider{name: "ollama"})
	require.NoError(t, reg.SetDefault("ollama"))

	reg.Unregister("ollama")
	_, err := reg.Default()
	assert.Error(t, err)
	assert.Empty(t, reg.List())
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(&Error{Code: ErrInvalidRequest, Retryable: false}))
	assert.True(t, IsRetryable(&Error{Code: ErrUpstreamError, Retryable: true}))
	assert.True(t, IsRetryable(assert.AnError), "raw errors are assumed transient")
}
