package llm

import (
	"context"
	"errors"
	"time"
)

// 统一的错误码，用于对齐 HTTP 状态、可重试性与上层提示。
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "LLM_INVALID_REQUEST"      // 参数/格式错误
	ErrUnauthorized        ErrorCode = "LLM_UNAUTHORIZED"         // 未授权或密钥失效
	ErrForbidden           ErrorCode = "LLM_FORBIDDEN"            // 权限或内容策略拒绝
	ErrRateLimited         ErrorCode = "LLM_RATE_LIMITED"         // 上游或本地限流
	ErrQuotaExceeded       ErrorCode = "LLM_QUOTA_EXCEEDED"       // 额度/配额用尽
	ErrModelNotFound       ErrorCode = "LLM_MODEL_NOT_FOUND"      // 请求了未安装/未知的模型
	ErrModelOverloaded     ErrorCode = "LLM_MODEL_OVERLOADED"     // 模型过载
	ErrUpstreamTimeout     ErrorCode = "LLM_UPSTREAM_TIMEOUT"     // 上游超时
	ErrUpstreamError       ErrorCode = "LLM_UPSTREAM_ERROR"       // 上游 5xx/网络错误
	ErrInvalidResponse     ErrorCode = "LLM_INVALID_RESPONSE"     // 上游返回了无法解析的内容
	ErrStreamIntegrity     ErrorCode = "LLM_STREAM_INTEGRITY"     // 流式缓冲超限或连续脏行超限
	ErrUnsupportedFeature  ErrorCode = "LLM_UNSUPPORTED_FEATURE"  // 该后端不支持的能力
	ErrProviderUnavailable ErrorCode = "LLM_PROVIDER_UNAVAILABLE" // Provider 不可用
)

// Error is the error type every provider surfaces. Retryable drives the
// backoff policy: HTTP 4xx and translation failures are terminal, network
// faults and 5xx are transient.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRetryable reports whether err may be retried under the backoff policy.
// Known *Error values are classified by their Retryable flag; context
// cancellation is terminal; deadline expiry counts as a transient timeout;
// anything else (raw network faults) is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable
	}
	return true
}

// ChatRequest 是发往任一后端的规范请求。
// Conversation 由调用方持有，桥接层只读。
type ChatRequest struct {
	Model        string         `json:"model"`
	Conversation Conversation   `json:"conversation"`
	Options      map[string]any `json:"options,omitempty"`    // 后端特定运行选项透传
	KeepAlive    string         `json:"keep_alive,omitempty"` // 本地后端模型驻留时长
	Timeout      time.Duration  `json:"timeout,omitempty"`
}

// ChatUsage 表示一次生成的 token 用量。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse is the canonical unary result: one model turn plus the
// terminal marker and any capability advisories raised during translation.
type ChatResponse struct {
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Turn      Turn      `json:"turn"`
	Done      bool      `json:"done"`
	Usage     ChatUsage `json:"usage,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StreamChunk is one canonical partial result of a streaming call.
// A chunk with Err set terminates the stream; Done marks the final record.
type StreamChunk struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Turn     Turn   `json:"turn"`
	Done     bool   `json:"done"`
	Err      *Error `json:"error,omitempty"`
}

// Model 描述后端已安装的一个模型。
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// HealthStatus 表示后端可达性探测结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Version string        `json:"version,omitempty"`
}

// Provider 定义统一的生成后端接口。本地聊天服务与云端 API
// 通过同一组方法互换；翻译与重试语义由各实现内部承担。
type Provider interface {
	// Completion 发起同步生成请求，返回完整的单条响应。
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream 发起流式生成请求，返回增量响应通道。
	// 只有连接建立阶段参与重试；流中途的失败直接经由 chunk.Err 上抛。
	// 调用方取消 ctx 即释放底层连接与缓冲。
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck 执行轻量级可达性探测。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// ListModels 枚举后端已安装的模型。
	ListModels(ctx context.Context) ([]Model, error)

	// CountTokens 返回请求的粗粒度 token 估算。
	// 这是按字符数折算的近似值，不是精确的分词结果。
	CountTokens(req *ChatRequest) (int, error)

	// Embeddings 计算文本向量。不支持该能力的后端必须返回
	// 描述性错误，而不是伪造零向量。
	Embeddings(ctx context.Context, input []string) ([][]float64, error)

	// Name 返回 Provider 的唯一标识。
	Name() string

	// SupportsNativeFunctionCalling 返回该后端是否支持原生工具调用。
	// 具体模型的工具能力由 capability 注册表进一步判定。
	SupportsNativeFunctionCalling() bool
}
