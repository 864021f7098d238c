package providers

import (
	"strings"
	"testing"

	"github.com/BaSui01/modelbridge/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		msg           string
		wantCode      llm.ErrorCode
		wantRetryable bool
	}{
		{name: "unauthorized", status: 401, wantCode: llm.ErrUnauthorized},
		{name: "forbidden", status: 403, wantCode: llm.ErrForbidden},
		{name: "model not installed", status: 404, wantCode: llm.ErrModelNotFound},
		{name: "rate limited", status: 429, wantCode: llm.ErrRateLimited, wantRetryable: true},
		{name: "plain bad request", status: 400, msg: "invalid role", wantCode: llm.ErrInvalidRequest},
		{name: "quota keyword in bad request", status: 400, msg: "monthly quota exhausted", wantCode: llm.ErrQuotaExceeded},
		{name: "credit keyword in bad request", status: 400, msg: "insufficient credits", wantCode: llm.ErrQuotaExceeded},
		{name: "bad gateway", status: 502, wantCode: llm.ErrUpstreamError, wantRetryable: true},
		{name: "service unavailable", status: 503, wantCode: llm.ErrUpstreamError, wantRetryable: true},
		{name: "gateway timeout", status: 504, wantCode: llm.ErrUpstreamTimeout, wantRetryable: true},
		{name: "model overloaded", status: 529, wantCode: llm.ErrModelOverloaded, wantRetryable: true},
		{name: "unmapped 4xx is terminal", status: 422, wantCode: llm.ErrInvalidRequest},
		{name: "unmapped 5xx is transient", status: 500, wantCode: llm.ErrUpstreamError, wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := MapHTTPError(tt.status, tt.msg, "ollama")
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantRetryable, e.Retryable)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, "ollama", e.Provider)
		})
	}
}

func TestReadErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "flat error field", body: `{"error":"model not found"}`, want: "model not found"},
		{name: "nested error with type", body: `{"error":{"message":"bad key","type":"auth_error"}}`, want: "bad key (type: auth_error)"},
		{name: "nested error without type", body: `{"error":{"message":"bad key"}}`, want: "bad key"},
		{name: "raw text fallback", body: "  upstream exploded  ", want: "upstream exploded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReadErrorMessage(strings.NewReader(tt.body))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChooseModel(t *testing.T) {
	req := &llm.ChatRequest{Model: "qwen3:8b"}
	assert.Equal(t, "qwen3:8b", ChooseModel(req, "configured", "fallback"))
	assert.Equal(t, "configured", ChooseModel(&llm.ChatRequest{}, "configured", "fallback"))
	assert.Equal(t, "fallback", ChooseModel(nil, "", "fallback"))
}

func TestSafeCloseBody(t *testing.T) {
	require.NotPanics(t, func() { SafeCloseBody(nil) })
}
