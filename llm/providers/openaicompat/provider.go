// Package openaicompat implements the generation bridge to cloud
// backends speaking the OpenAI-compatible chat completions API.
// 与本地桥共享同一套规范会话模型与 wire 消息形状；流式响应走 SSE
// 而不是逐行 JSON，其余语义一致。
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/modelbridge/internal/tlsutil"
	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/BaSui01/modelbridge/llm/providers"
	"github.com/BaSui01/modelbridge/llm/tokenizer"
	"go.uber.org/zap"
)

const (
	defaultEndpointPath   = "/v1/chat/completions"
	defaultModelsEndpoint = "/v1/models"
)

// apiRequest 是 OpenAI 兼容的聊天完成请求。
type apiRequest struct {
	Model    string                  `json:"model"`
	Messages []providers.WireMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`
}

// apiChoice 表示响应中的单个选项。
type apiChoice struct {
	Index        int                    `json:"index"`
	FinishReason string                 `json:"finish_reason"`
	Message      providers.WireMessage  `json:"message"`
	Delta        *providers.WireMessage `json:"delta,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiResponse struct {
	ID      string      `json:"id,omitempty"`
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   *apiUsage   `json:"usage,omitempty"`
	Created int64       `json:"created,omitempty"`
}

// Provider 是云端 OpenAI 兼容后端的生成桥接。
type Provider struct {
	cfg        providers.OpenAICompatConfig
	client     *http.Client
	stream     *http.Client
	translator *providers.Translator
	logger     *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// registerTokenizersOnce installs the tiktoken tokenizers for the OpenAI
// model family the first time a cloud bridge is constructed, so
// CountTokens resolves them instead of the character estimator.
var registerTokenizersOnce sync.Once

// New creates an OpenAI-compatible cloud bridge.
func New(cfg providers.OpenAICompatConfig, caps *capability.Registry, logger *zap.Logger) *Provider {
	registerTokenizersOnce.Do(tokenizer.RegisterOpenAITokenizers)
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", cfg.ProviderName))

	return &Provider{
		cfg:        cfg,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		stream:     tlsutil.SecureHTTPClient(0),
		translator: providers.NewTranslator(caps, logger),
		logger:     logger,
	}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

// Completion 发起非流式聊天完成。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "gpt-4o-mini")

	msgs, warnings, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	payload, err := json.Marshal(apiRequest{Model: model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	apiResp, err := providers.Retry(ctx, p.cfg.ProviderName+" completion", p.cfg.Retry, nil, p.logger,
		func(ctx context.Context) (apiResponse, error) {
			return p.post(ctx, payload)
		})
	if err != nil {
		return nil, p.wrap(err, model)
	}

	if len(apiResp.Choices) == 0 {
		return nil, p.wrap(&llm.Error{
			Code:    llm.ErrInvalidResponse,
			Message: "response contains no choices",
		}, model)
	}

	turn, err := p.translator.FromWire(apiResp.Choices[0].Message)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	resp := &llm.ChatResponse{
		Provider: p.cfg.ProviderName,
		Model:    apiResp.Model,
		Turn:     turn,
		Done:     true,
		Warnings: warnings,
	}
	if apiResp.Usage != nil {
		resp.Usage = llm.ChatUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		}
	}
	if apiResp.Created != 0 {
		resp.CreatedAt = time.Unix(apiResp.Created, 0)
	}
	return resp, nil
}

// Stream 发起流式聊天完成。重试只覆盖连接建立。
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "gpt-4o-mini")

	msgs, _, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	payload, err := json.Marshal(apiRequest{Model: model, Messages: msgs, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	timeout := p.cfg.Timeout
	if req != nil && req.Timeout > 0 {
		timeout = req.Timeout
	}

	conn, err := providers.Retry(ctx, p.cfg.ProviderName+" stream connect", p.cfg.Retry, nil, p.logger,
		func(ctx context.Context) (streamConn, error) {
			return p.connect(ctx, payload, timeout)
		})
	if err != nil {
		return nil, p.wrap(err, model)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer conn.release()
		p.pumpSSE(ctx, conn.resp.Body, model, ch)
	}()
	return ch, nil
}

// streamConn is an established stream plus the cancel releasing its
// request context once the pump is done with the body.
type streamConn struct {
	resp    *http.Response
	release context.CancelFunc
}

// connect performs one stream-establishment attempt, bounded by timeout.
// The wait for response headers is bounded with a watchdog instead of a
// ctx deadline: a deadline would stay armed and kill the live body.
func (p *Provider) connect(ctx context.Context, payload []byte, timeout time.Duration) (streamConn, error) {
	connectCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(connectCtx, http.MethodPost, p.endpoint(defaultEndpointPath), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return streamConn{}, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	resp, err := p.stream.Do(httpReq)
	watchdog.Stop()
	if err != nil {
		cancel()
		if timedOut.Load() {
			return streamConn{}, &llm.Error{
				Code:       llm.ErrUpstreamTimeout,
				Message:    fmt.Sprintf("stream establishment exceeded %s", timeout),
				HTTPStatus: http.StatusGatewayTimeout,
				Retryable:  true,
				Provider:   p.cfg.ProviderName,
				Endpoint:   p.cfg.BaseURL,
			}
		}
		return streamConn{}, p.transportError(err)
	}
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		providers.SafeCloseBody(resp.Body)
		cancel()
		return streamConn{}, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName)
	}
	return streamConn{resp: resp, release: cancel}, nil
}

// pumpSSE parses the data: lines of an SSE body and forwards canonical
// chunks until the [DONE] sentinel, a failure, or caller cancellation.
func (p *Provider) pumpSSE(ctx context.Context, body io.ReadCloser, model string, ch chan<- llm.StreamChunk) {
	defer providers.SafeCloseBody(body)
	defer close(ch)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				p.send(ctx, ch, llm.StreamChunk{
					Provider: p.cfg.ProviderName,
					Model:    model,
					Err:      p.streamError(err, model),
				})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			p.send(ctx, ch, llm.StreamChunk{Provider: p.cfg.ProviderName, Model: model, Done: true})
			return
		}

		var apiResp apiResponse
		if err := json.Unmarshal([]byte(data), &apiResp); err != nil {
			p.send(ctx, ch, llm.StreamChunk{
				Provider: p.cfg.ProviderName,
				Model:    model,
				Err: p.streamError(&llm.Error{
					Code:    llm.ErrInvalidResponse,
					Message: fmt.Sprintf("decode stream event: %v", err),
				}, model),
			})
			return
		}

		for _, choice := range apiResp.Choices {
			msg := choice.Message
			if choice.Delta != nil {
				msg = *choice.Delta
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			turn, err := p.translator.FromWire(msg)
			if err != nil {
				p.send(ctx, ch, llm.StreamChunk{
					Provider: p.cfg.ProviderName,
					Model:    model,
					Err:      p.streamError(err, model),
				})
				return
			}
			if !p.send(ctx, ch, llm.StreamChunk{
				Provider: p.cfg.ProviderName,
				Model:    nonEmpty(apiResp.Model, model),
				Turn:     turn,
			}) {
				return
			}
		}
	}
}

func (p *Provider) send(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

func (p *Provider) post(ctx context.Context, payload []byte) (apiResponse, error) {
	var zero apiResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(defaultEndpointPath), bytes.NewReader(payload))
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return zero, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return zero, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName)
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return zero, &llm.Error{
			Code:       llm.ErrInvalidResponse,
			Message:    fmt.Sprintf("decode chat response: %v", err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   p.cfg.ProviderName,
		}
	}
	return apiResp, nil
}

// HealthCheck probes the models endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(defaultModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels enumerates available models via the models endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(defaultModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, p.cfg.ProviderName)
	}

	var modelsResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&modelsResp); err != nil {
		return nil, &llm.Error{
			Code:      llm.ErrInvalidResponse,
			Message:   fmt.Sprintf("decode models response: %v", err),
			Retryable: true,
			Provider:  p.cfg.ProviderName,
		}
	}

	models := make([]llm.Model, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		models = append(models, llm.Model{Name: m.ID})
	}
	return models, nil
}

// CountTokens uses tiktoken when the model is known to it, falling back
// to the character estimator.
func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "gpt-4o-mini")
	msgs, _, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return 0, p.wrap(err, model)
	}
	tok := tokenizer.GetTokenizerOrEstimator(model)
	tm := make([]tokenizer.Message, 0, len(msgs))
	for _, m := range msgs {
		tm = append(tm, tokenizer.Message{Role: m.Role, Content: m.Content})
	}
	return tok.CountMessages(tm)
}

// Embeddings is not wired for this bridge.
func (p *Provider) Embeddings(ctx context.Context, input []string) ([][]float64, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupportedFeature,
		Message:  fmt.Sprintf("%s bridge does not support embeddings; configure a dedicated embedding backend instead", p.cfg.ProviderName),
		Provider: p.cfg.ProviderName,
		Endpoint: p.cfg.BaseURL,
	}
}

func (p *Provider) transportError(err error) *llm.Error {
	code := llm.ErrUpstreamError
	if errors.Is(err, context.DeadlineExceeded) {
		code = llm.ErrUpstreamTimeout
	}
	return &llm.Error{
		Code:       code,
		Message:    err.Error(),
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
		Provider:   p.cfg.ProviderName,
		Endpoint:   p.cfg.BaseURL,
	}
}

func (p *Provider) wrap(err error, model string) error {
	var le *llm.Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = p.cfg.ProviderName
		}
		if le.Model == "" {
			le.Model = model
		}
		if le.Endpoint == "" {
			le.Endpoint = p.cfg.BaseURL
		}
		return err
	}
	return fmt.Errorf("%s %s (model %s): %w", p.cfg.ProviderName, p.cfg.BaseURL, model, err)
}

func (p *Provider) streamError(err error, model string) *llm.Error {
	var le *llm.Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = p.cfg.ProviderName
		}
		if le.Model == "" {
			le.Model = model
		}
		if le.Endpoint == "" {
			le.Endpoint = p.cfg.BaseURL
		}
		return le
	}
	return &llm.Error{
		Code:     llm.ErrUpstreamError,
		Message:  err.Error(),
		Provider: p.cfg.ProviderName,
		Model:    model,
		Endpoint: p.cfg.BaseURL,
	}
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
