package ollama

import (
	"time"

	"github.com/BaSui01/modelbridge/llm/providers"
)

// Ollama /api/chat 的请求与响应信封。message 部分复用 providers 包的
// wire 形状；流式响应的每一行就是一个 apiChatResponse。

type apiChatRequest struct {
	Model     string                  `json:"model"`
	Messages  []providers.WireMessage `json:"messages"`
	Stream    bool                    `json:"stream"`
	Options   map[string]any          `json:"options,omitempty"`
	KeepAlive string                  `json:"keep_alive,omitempty"`
}

type apiChatResponse struct {
	Model           string                `json:"model,omitempty"`
	CreatedAt       time.Time             `json:"created_at,omitempty"`
	Message         providers.WireMessage `json:"message"`
	Done            bool                  `json:"done"`
	DoneReason      string                `json:"done_reason,omitempty"`
	TotalDuration   int64                 `json:"total_duration,omitempty"`
	PromptEvalCount int                   `json:"prompt_eval_count,omitempty"`
	EvalCount       int                   `json:"eval_count,omitempty"`
}

type apiVersionResponse struct {
	Version string `json:"version"`
}

type apiTagsResponse struct {
	Models []apiModel `json:"models"`
}

type apiModel struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}
