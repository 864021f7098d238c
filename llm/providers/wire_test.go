package providers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestToWireRoleMapping(t *testing.T) {
	tr := NewTranslator(nil, nil)

	conv := llm.NewConversation().
		AddSystemText("be brief").
		AddUserText("hi")
	conv.AddTurn(llm.Turn{Role: llm.RoleModel, Parts: []llm.Part{llm.TextPart("hello")}})

	msgs, warnings, err := tr.ToWire(*conv, "qwen2.5:1.5b")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "assistant", msgs[2].Role)
}

func TestToWireJoinsTextParts(t *testing.T) {
	tr := NewTranslator(nil, nil)

	conv := llm.NewConversation()
	conv.AddTurn(llm.Turn{Role: llm.RoleUser, Parts: []llm.Part{
		llm.TextPart("first"),
		llm.TextPart("second"),
	}})

	msgs, _, err := tr.ToWire(*conv, "qwen2.5:1.5b")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", msgs[0].Content)
}

func TestToWireToolCalls(t *testing.T) {
	tr := NewTranslator(nil, nil)

	conv := llm.NewConversation()
	conv.AddTurn(llm.Turn{Role: llm.RoleModel, Parts: []llm.Part{
		llm.TextPart("checking the weather"),
		llm.ToolCallPart("get_weather", map[string]any{"location": "Paris"}),
		llm.ToolCallPart("get_time", nil),
	}})

	msgs, _, err := tr.ToWire(*conv, "qwen2.5:1.5b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "checking the weather", msg.Content)
	require.Len(t, msg.ToolCalls, 2)

	first := msg.ToolCalls[0]
	assert.Equal(t, "function", first.Type)
	assert.Equal(t, "get_weather", first.Function.Name)
	assert.JSONEq(t, `{"location":"Paris"}`, string(first.Function.Arguments))

	// nil 参数编码为空对象，而不是 null。
	assert.JSONEq(t, `{}`, string(msg.ToolCalls[1].Function.Arguments))

	// 缺失的调用 ID 由翻译层生成，且两次生成互不相同。
	assert.True(t, strings.HasPrefix(first.ID, "call_"))
	assert.NotEqual(t, first.ID, msg.ToolCalls[1].ID)
}

func TestToWireToolResultTurn(t *testing.T) {
	tr := NewTranslator(nil, nil)

	conv := llm.NewConversation().AddToolResult("get_weather", map[string]any{
		"temperature": 72,
		"unit":        "F",
	})

	msgs, _, err := tr.ToWire(*conv, "qwen2.5:1.5b")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.Equal(t, "tool", msg.Role)
	assert.Equal(t, "get_weather", msg.ToolCallID)
	assert.JSONEq(t, `{"temperature":72,"unit":"F"}`, msg.Content)
	assert.NotContains(t, msg.Content, " ", "tool result payload is compact JSON")
	assert.Empty(t, msg.ToolCalls)
}

func TestTurnToWireNilResultPayload(t *testing.T) {
	tr := NewTranslator(nil, nil)

	// nil 结果对象编码为空 JSON 对象，而不是 null。
	msg, err := tr.turnToWire(llm.Turn{Role: llm.RoleToolResult, Parts: []llm.Part{
		llm.ToolResultPart("f", nil),
	}})
	require.NoError(t, err)
	assert.Equal(t, "tool", msg.Role)
	assert.Equal(t, "f", msg.ToolCallID)
	assert.JSONEq(t, `{}`, msg.Content)
}

func TestToWireInvalidConversation(t *testing.T) {
	tr := NewTranslator(nil, nil)

	conv := llm.NewConversation()
	conv.AddTurn(llm.Turn{Role: "bogus"})

	_, _, err := tr.ToWire(*conv, "qwen2.5:1.5b")
	require.Error(t, err)

	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrInvalidRequest, le.Code)
	assert.False(t, le.Retryable)
}

func TestToWireCapabilityAdvisories(t *testing.T) {
	tr := NewTranslator(capability.NewRegistry(), nil)

	withTools := llm.NewConversation().AddUserText("weather?")
	withTools.AddTurn(llm.Turn{Role: llm.RoleModel, Parts: []llm.Part{
		llm.ToolCallPart("get_weather", map[string]any{"location": "Paris"}),
	}})

	t.Run("non tool-capable family warns", func(t *testing.T) {
		msgs, warnings, err := tr.ToWire(*withTools, "gemma3:4b")
		require.NoError(t, err, "advisories never block translation")
		assert.Len(t, msgs, 2)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "gemma3:4b")
		assert.Contains(t, warnings[0], "not registered as tool-capable")
	})

	t.Run("undersized model warns", func(t *testing.T) {
		_, warnings, err := tr.ToWire(*withTools, "llama3.1:3b")
		require.NoError(t, err)
		require.Len(t, warnings, 1)
		assert.Contains(t, warnings[0], "below the 8B threshold")
	})

	t.Run("capable model stays silent", func(t *testing.T) {
		_, warnings, err := tr.ToWire(*withTools, "qwen2.5:1.5b")
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("no advisory without tool activity", func(t *testing.T) {
		plain := llm.NewConversation().AddUserText("hi")
		_, warnings, err := tr.ToWire(*plain, "gemma3:4b")
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})
}

func TestFromWire(t *testing.T) {
	tr := NewTranslator(nil, nil)

	t.Run("text only", func(t *testing.T) {
		turn, err := tr.FromWire(WireMessage{Role: "assistant", Content: "hello"})
		require.NoError(t, err)
		assert.Equal(t, llm.RoleModel, turn.Role)
		require.Len(t, turn.Parts, 1)
		assert.Equal(t, "hello", turn.Parts[0].Text)
	})

	t.Run("tool call with object arguments", func(t *testing.T) {
		turn, err := tr.FromWire(WireMessage{
			Role: "assistant",
			ToolCalls: []WireToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: WireFunction{
					Name:      "get_weather",
					Arguments: json.RawMessage(`{"location":"Paris"}`),
				},
			}},
		})
		require.NoError(t, err)
		calls := turn.ToolCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "get_weather", calls[0].Name)
		assert.Equal(t, map[string]any{"location": "Paris"}, calls[0].Arguments)
	})

	t.Run("tool call with string-wrapped arguments", func(t *testing.T) {
		turn, err := tr.FromWire(WireMessage{
			Role: "assistant",
			ToolCalls: []WireToolCall{{
				Function: WireFunction{
					Name:      "get_weather",
					Arguments: json.RawMessage(`"{\"location\":\"Paris\"}"`),
				},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"location": "Paris"}, turn.ToolCalls()[0].Arguments)
	})

	t.Run("empty arguments become empty object", func(t *testing.T) {
		turn, err := tr.FromWire(WireMessage{
			Role: "assistant",
			ToolCalls: []WireToolCall{{
				Function: WireFunction{Name: "noop"},
			}},
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, turn.ToolCalls()[0].Arguments)
	})

	t.Run("malformed arguments are a hard error", func(t *testing.T) {
		_, err := tr.FromWire(WireMessage{
			Role: "assistant",
			ToolCalls: []WireToolCall{{
				Function: WireFunction{
					Name:      "get_weather",
					Arguments: json.RawMessage(`{"location":`),
				},
			}},
		})
		require.Error(t, err)

		var le *llm.Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, llm.ErrInvalidResponse, le.Code)
		assert.Contains(t, le.Message, "get_weather")
	})
}

// 往返性质：规范会话编码为 wire 再解码回来，文本与工具调用语义保持不变。
func TestWireRoundTripProperty(t *testing.T) {
	tr := NewTranslator(nil, nil)

	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[ -~]{0,64}`).Draw(t, "text")
		nCalls := rapid.IntRange(0, 3).Draw(t, "ncalls")

		parts := []llm.Part{}
		if text != "" {
			parts = append(parts, llm.TextPart(text))
		}
		for i := 0; i < nCalls; i++ {
			name := rapid.StringMatching(`[a-z_]{1,16}`).Draw(t, "name")
			key := rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "key")
			val := rapid.StringMatching(`[ -~]{0,32}`).Draw(t, "val")
			parts = append(parts, llm.ToolCallPart(name, map[string]any{key: val}))
		}
		if len(parts) == 0 {
			parts = append(parts, llm.TextPart("x"))
		}

		conv := llm.Conversation{Turns: []llm.Turn{{Role: llm.RoleModel, Parts: parts}}}
		msgs, _, err := tr.ToWire(conv, "qwen2.5:1.5b")
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 wire message, got %d", len(msgs))
		}

		back, err := tr.FromWire(msgs[0])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if back.TextContent() != conv.Turns[0].TextContent() {
			t.Fatalf("text changed: %q -> %q", conv.Turns[0].TextContent(), back.TextContent())
		}
		orig := conv.Turns[0].ToolCalls()
		got := back.ToolCalls()
		if len(got) != len(orig) {
			t.Fatalf("tool call count changed: %d -> %d", len(orig), len(got))
		}
		for i := range orig {
			if got[i].Name != orig[i].Name {
				t.Fatalf("call %d name changed: %q -> %q", i, orig[i].Name, got[i].Name)
			}
			for k, v := range orig[i].Arguments {
				if got[i].Arguments[k] != v {
					t.Fatalf("call %d argument %q changed: %v -> %v", i, k, v, got[i].Arguments[k])
				}
			}
		}
	})
}
