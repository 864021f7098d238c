package providers

import "time"

// BaseProviderConfig 所有后端共享的基础配置字段。
// 各后端的 Config 嵌入此结构体即可获得统一的连接参数。
type BaseProviderConfig struct {
	APIKey  string        `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OllamaConfig 本地聊天后端配置。
type OllamaConfig struct {
	BaseProviderConfig `yaml:",inline"`
	KeepAlive          string      `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
	Retry              RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`

	// MaxStreamBuffer caps the NDJSON line buffer; 0 means the 1 MiB default.
	MaxStreamBuffer int `json:"max_stream_buffer,omitempty" yaml:"max_stream_buffer,omitempty"`

	// MaxStreamParseErrors bounds consecutive malformed lines tolerated
	// before the stream is abandoned; 0 means the default of 5.
	MaxStreamParseErrors int `json:"max_stream_parse_errors,omitempty" yaml:"max_stream_parse_errors,omitempty"`
}

// OpenAICompatConfig 云端 OpenAI 兼容后端配置。
type OpenAICompatConfig struct {
	BaseProviderConfig `yaml:",inline"`
	ProviderName       string      `json:"provider_name,omitempty" yaml:"provider_name,omitempty"`
	Retry              RetryConfig `json:"retry,omitempty" yaml:"retry,omitempty"`
}
