// Package config 提供桥接层的连接配置：端点、默认模型与超时。
// 取值优先级：显式配置 > 环境变量 > 内置默认值。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultEndpoint 本地后端的默认地址。
	DefaultEndpoint = "http://localhost:11434"

	// DefaultModel 默认的轻量模型。
	DefaultModel = "qwen2.5:1.5b"

	// DefaultTimeoutMS 单次 HTTP 调用的默认上限（毫秒）。
	DefaultTimeoutMS = 30000
)

// 环境变量覆盖。OLLAMA_HOST 作为端点的兼容别名，
// 优先级低于 MODELBRIDGE_ENDPOINT。
const (
	EnvEndpoint      = "MODELBRIDGE_ENDPOINT"
	EnvEndpointAlias = "OLLAMA_HOST"
	EnvModel         = "MODELBRIDGE_MODEL"
	EnvTimeoutMS     = "MODELBRIDGE_TIMEOUT_MS"
)

// Settings 是调用方可见的配置表面。零值字段在 Resolved 中
// 依次回退到环境变量与内置默认值。
type Settings struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	TimeoutMS int    `json:"timeout_ms" yaml:"timeout_ms"`
	APIKey    string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // 云端后端使用
	Provider  string `json:"provider,omitempty" yaml:"provider,omitempty"`
}

// Load reads settings from a YAML file. Missing fields stay zero and
// resolve through the usual precedence chain.
func Load(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}
	return s, nil
}

// Resolved 返回填满的配置：每个字段按 显式 > 环境 > 默认 取值。
func (s Settings) Resolved() Settings {
	if s.Endpoint == "" {
		s.Endpoint = firstNonEmpty(os.Getenv(EnvEndpoint), os.Getenv(EnvEndpointAlias), DefaultEndpoint)
	}
	if s.Model == "" {
		s.Model = firstNonEmpty(os.Getenv(EnvModel), DefaultModel)
	}
	if s.TimeoutMS <= 0 {
		s.TimeoutMS = envInt(EnvTimeoutMS, DefaultTimeoutMS)
	}
	if s.Provider == "" {
		s.Provider = "ollama"
	}
	return s
}

// Timeout returns the configured timeout as a duration.
func (s Settings) Timeout() time.Duration {
	ms := s.TimeoutMS
	if ms <= 0 {
		ms = DefaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
