package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BaSui01/modelbridge/internal/tlsutil"
	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/BaSui01/modelbridge/llm/providers"
	"github.com/BaSui01/modelbridge/llm/streaming"
	"github.com/BaSui01/modelbridge/llm/tokenizer"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL 本地后端的默认地址。
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel 未指定模型时使用的轻量模型。
	DefaultModel = "qwen2.5:1.5b"

	// DefaultTimeout 单次 HTTP 调用的默认上限。
	DefaultTimeout = 30 * time.Second

	chatPath    = "/api/chat"
	versionPath = "/api/version"
	tagsPath    = "/api/tags"

	providerName = "ollama"
)

// Provider 是本地聊天后端的生成桥接。
type Provider struct {
	cfg        providers.OllamaConfig
	client     *http.Client // unary calls and probes, bounded by the overall timeout
	stream     *http.Client // streaming calls; the body outlives any sane overall timeout
	translator *providers.Translator
	caps       *capability.Registry
	logger     *zap.Logger
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

// New creates an Ollama bridge. A nil capability registry falls back to
// the builtin table; a nil logger to a no-op one.
func New(cfg providers.OllamaConfig, caps *capability.Registry, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if caps == nil {
		caps = capability.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("provider", providerName))

	return &Provider{
		cfg:        cfg,
		client:     tlsutil.SecureHTTPClient(cfg.Timeout),
		stream:     tlsutil.SecureHTTPClient(0),
		translator: providers.NewTranslator(caps, logger),
		caps:       caps,
		logger:     logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return providerName }

// SupportsNativeFunctionCalling reports backend-level tool support.
// Whether a given model honors tools is decided by the capability table.
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

// Completion 发起非流式生成。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, DefaultModel)

	msgs, warnings, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	payload, err := json.Marshal(apiChatRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    false,
		Options:   req.Options,
		KeepAlive: p.keepAlive(req),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	ctx, cancel := p.requestContext(ctx, req)
	defer cancel()

	apiResp, err := providers.Retry(ctx, "ollama completion", p.cfg.Retry, nil, p.logger,
		func(ctx context.Context) (apiChatResponse, error) {
			return p.postChat(ctx, p.client, payload)
		})
	if err != nil {
		return nil, p.wrap(err, model)
	}

	// Translation of the response happens outside the retry loop: a
	// malformed tool-call payload will fail identically on every attempt.
	turn, err := p.translator.FromWire(apiResp.Message)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	resp := &llm.ChatResponse{
		Provider: providerName,
		Model:    nonEmpty(apiResp.Model, model),
		Turn:     turn,
		Done:     apiResp.Done,
		Warnings: warnings,
		Usage: llm.ChatUsage{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
	}
	if !apiResp.CreatedAt.IsZero() {
		resp.CreatedAt = apiResp.CreatedAt
	}
	return resp, nil
}

// Stream 发起流式生成。重试只覆盖连接建立与响应头校验；一旦开始
// 消费响应体，任何失败都立即上抛给消费者，不会重放已交付的部分。
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, DefaultModel)

	// Advisories are logged by the translator; chunks carry no warning
	// field, the unary path surfaces them on the response.
	msgs, _, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return nil, p.wrap(err, model)
	}

	payload, err := json.Marshal(apiChatRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    true,
		Options:   req.Options,
		KeepAlive: p.keepAlive(req),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	timeout := p.cfg.Timeout
	if req != nil && req.Timeout > 0 {
		timeout = req.Timeout
	}

	conn, err := providers.Retry(ctx, "ollama stream connect", p.cfg.Retry, nil, p.logger,
		func(ctx context.Context) (streamConn, error) {
			return p.connect(ctx, payload, timeout)
		})
	if err != nil {
		return nil, p.wrap(err, model)
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer conn.release()
		p.pump(ctx, conn.resp.Body, model, ch)
	}()
	return ch, nil
}

// pump decodes the NDJSON body and forwards canonical chunks until the
// terminal record, a failure, or caller cancellation. Closing the body
// on exit releases the connection and any buffered memory.
func (p *Provider) pump(ctx context.Context, body io.ReadCloser, model string, ch chan<- llm.StreamChunk) {
	defer close(ch)

	dec := streaming.NewLineDecoder(body, streaming.DecoderConfig{
		MaxBufferSize:        p.cfg.MaxStreamBuffer,
		MaxConsecutiveErrors: p.cfg.MaxStreamParseErrors,
		Logger:               p.logger,
	})
	defer dec.Close()

	for {
		raw, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			p.send(ctx, ch, llm.StreamChunk{
				Provider: providerName,
				Model:    model,
				Err:      p.streamError(err, model),
			})
			return
		}

		var rec apiChatResponse
		if err := json.Unmarshal(raw, &rec); err != nil {
			p.send(ctx, ch, llm.StreamChunk{
				Provider: providerName,
				Model:    model,
				Err: p.streamError(&llm.Error{
					Code:    llm.ErrInvalidResponse,
					Message: fmt.Sprintf("decode stream record: %v", err),
				}, model),
			})
			return
		}

		// Records carrying neither content nor a terminal marker add
		// nothing for the consumer.
		if !rec.Done && rec.Message.Content == "" && len(rec.Message.ToolCalls) == 0 {
			continue
		}

		turn, err := p.translator.FromWire(rec.Message)
		if err != nil {
			p.send(ctx, ch, llm.StreamChunk{
				Provider: providerName,
				Model:    model,
				Err:      p.streamError(err, model),
			})
			return
		}

		if !p.send(ctx, ch, llm.StreamChunk{
			Provider: providerName,
			Model:    nonEmpty(rec.Model, model),
			Turn:     turn,
			Done:     rec.Done,
		}) {
			return
		}
		if rec.Done {
			return
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

// streamConn is an established stream plus the cancel releasing its
// request context once the pump is done with the body.
type streamConn struct {
	resp    *http.Response
	release context.CancelFunc
}

// connect performs one stream-establishment attempt, bounded by timeout.
// The stream client itself carries no overall timeout (the body outlives
// any sane one), so the wait for response headers is bounded here with a
// watchdog instead of a ctx deadline: a deadline would stay armed and
// kill the live body mid-stream.
func (p *Provider) connect(ctx context.Context, payload []byte, timeout time.Duration) (streamConn, error) {
	connectCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(connectCtx, http.MethodPost, p.endpoint(chatPath), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return streamConn{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
				Provider:   providerName,
				Endpoint:   p.cfg.BaseURL,
			}
		}
		return streamConn{}, p.transportError(err)
	}
	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		providers.SafeCloseBody(resp.Body)
		cancel()
		return streamConn{}, providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}
	return streamConn{resp: resp, release: cancel}, nil
}

// postChat performs one unary chat attempt.
func (p *Provider) postChat(ctx context.Context, client *http.Client, payload []byte) (apiChatResponse, error) {
	var zero apiChatResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(chatPath), bytes.NewReader(payload))
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return zero, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return zero, providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var apiResp apiChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return zero, &llm.Error{
			Code:       llm.ErrInvalidResponse,
			Message:    fmt.Sprintf("decode chat response: %v", err),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
			Provider:   providerName,
		}
	}
	return apiResp, nil
}

// HealthCheck probes GET /api/version; any 2xx means reachable.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(versionPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var ver apiVersionResponse
	// A missing or unparsable version body does not make the backend
	// unreachable.
	_ = json.NewDecoder(resp.Body).Decode(&ver)

	return &llm.HealthStatus{Healthy: true, Latency: latency, Version: ver.Version}, nil
}

// ListModels enumerates installed models via GET /api/tags.
func (p *Provider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(tagsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer providers.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := providers.ReadErrorMessage(resp.Body)
		return nil, providers.MapHTTPError(resp.StatusCode, msg, providerName)
	}

	var tags apiTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &llm.Error{
			Code:      llm.ErrInvalidResponse,
			Message:   fmt.Sprintf("decode tags response: %v", err),
			Retryable: true,
			Provider:  providerName,
		}
	}

	models := make([]llm.Model, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, llm.Model{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

// ListToolCapableModels 枚举已安装且按能力表可用工具的模型。
func (p *Provider) ListToolCapableModels(ctx context.Context) ([]llm.Model, error) {
	models, err := p.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	capable := models[:0]
	for _, m := range models {
		if p.caps.SupportsTools(m.Name) {
			capable = append(capable, m)
		}
	}
	return capable, nil
}

// CountTokens returns a coarse estimate derived from the serialized wire
// request. This is a character-count approximation, not an exact
// tokenizer result.
func (p *Provider) CountTokens(req *llm.ChatRequest) (int, error) {
	model := providers.ChooseModel(req, p.cfg.Model, DefaultModel)
	msgs, _, err := p.translator.ToWire(req.Conversation, model)
	if err != nil {
		return 0, p.wrap(err, model)
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return 0, fmt.Errorf("marshal messages: %w", err)
	}
	return tokenizer.NewEstimatorTokenizer(model, 0).CountTokens(string(payload))
}

// Embeddings is not implemented by this backend.
func (p *Provider) Embeddings(ctx context.Context, input []string) ([][]float64, error) {
	return nil, &llm.Error{
		Code:     llm.ErrUnsupportedFeature,
		Message:  "ollama bridge does not support embeddings; configure a dedicated embedding backend instead",
		Provider: providerName,
		Endpoint: p.cfg.BaseURL,
	}
}

// requestContext applies the per-request timeout override when set.
func (p *Provider) requestContext(ctx context.Context, req *llm.ChatRequest) (context.Context, context.CancelFunc) {
	if req != nil && req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return ctx, func() {}
}

func (p *Provider) keepAlive(req *llm.ChatRequest) string {
	if req != nil && req.KeepAlive != "" {
		return req.KeepAlive
	}
	return p.cfg.KeepAlive
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
		Provider:   providerName,
		Endpoint:   p.cfg.BaseURL,
	}
}

// wrap stamps the model id and endpoint onto an outgoing error so
// operators can tell a bad request shape from a bad backend from an
// unreachable one.
func (p *Provider) wrap(err error, model string) error {
	var le *llm.Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = providerName
		}
		if le.Model == "" {
			le.Model = model
		}
		if le.Endpoint == "" {
			le.Endpoint = p.cfg.BaseURL
		}
		return err
	}
	return fmt.Errorf("ollama %s (model %s): %w", p.cfg.BaseURL, model, err)
}

func (p *Provider) streamError(err error, model string) *llm.Error {
	var le *llm.Error
	if errors.As(err, &le) {
		if le.Provider == "" {
			le.Provider = providerName
		}
		if le.Model == "" {
			le.Model = model
		}
		if le.Endpoint == "" {
			le.Endpoint = p.cfg.BaseURL
		}
		return le
	}
	code := llm.ErrUpstreamError
	if errors.Is(err, streaming.ErrBufferExceeded) || errors.Is(err, streaming.ErrTooManyParseErrors) {
		code = llm.ErrStreamIntegrity
	}
	return &llm.Error{
		Code:     code,
		Message:  err.Error(),
		Provider: providerName,
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
