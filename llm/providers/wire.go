package providers

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/BaSui01/modelbridge/llm"
	"github.com/BaSui01/modelbridge/llm/capability"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Wire 消息类型。请求侧对两类后端都是同一套 role/content/tool_calls
// 形状；响应侧各后端在自己的包里定义外层信封，message 部分复用这里。

// WireMessage 表示后端 wire 格式的一条消息。
type WireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"` // 仅 role=tool 时出现
}

// WireToolCall 表示 wire 格式的一次工具调用。
type WireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction 携带函数名与 JSON 序列化后的参数。
type WireFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// functionCallType is the fixed tool_calls entry type marker.
const functionCallType = "function"

// Translator maps the canonical Conversation onto wire messages and wire
// records back onto canonical turns. It consults the capability registry
// only to raise advisories; translation proceeds regardless.
type Translator struct {
	caps   *capability.Registry
	logger *zap.Logger
}

// NewTranslator creates a Translator. A nil registry disables capability
// advisories; a nil logger is replaced with a no-op one.
func NewTranslator(caps *capability.Registry, logger *zap.Logger) *Translator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{caps: caps, logger: logger.With(zap.String("component", "translator"))}
}

// ToWire derives the ordered wire message list from a conversation.
// The conversation itself is never mutated. The returned warnings are
// non-fatal capability advisories for the caller to surface.
func (t *Translator) ToWire(conv llm.Conversation, model string) ([]WireMessage, []string, error) {
	if err := conv.Validate(); err != nil {
		return nil, nil, &llm.Error{
			Code:    llm.ErrInvalidRequest,
			Message: fmt.Sprintf("invalid conversation: %v", err),
			Model:   model,
		}
	}

	out := make([]WireMessage, 0, len(conv.Turns))
	for i, turn := range conv.Turns {
		wm, err := t.turnToWire(turn)
		if err != nil {
			return nil, nil, &llm.Error{
				Code:    llm.ErrInvalidRequest,
				Message: fmt.Sprintf("turn %d: %v", i, err),
				Model:   model,
			}
		}
		out = append(out, wm)
	}

	warnings := t.capabilityAdvisories(conv, model)
	return out, warnings, nil
}

func (t *Translator) turnToWire(turn llm.Turn) (WireMessage, error) {
	// tool-result turns become role=tool messages correlated by function
	// name; any text content of the turn is discarded.
	if result := turn.ToolResult(); result != nil {
		payload, err := json.Marshal(normalizeObject(result.Result))
		if err != nil {
			return WireMessage{}, fmt.Errorf("marshal tool result %q: %w", result.Name, err)
		}
		return WireMessage{
			Role:       "tool",
			Content:    string(payload),
			ToolCallID: result.Name,
		}, nil
	}

	wm := WireMessage{
		Role:    wireRole(turn.Role),
		Content: turn.TextContent(),
	}

	for _, call := range turn.ToolCalls() {
		args, err := json.Marshal(normalizeObject(call.Arguments))
		if err != nil {
			return WireMessage{}, fmt.Errorf("marshal arguments of tool call %q: %w", call.Name, err)
		}
		id := call.ID
		if id == "" {
			id = newCallID()
		}
		wm.ToolCalls = append(wm.ToolCalls, WireToolCall{
			ID:   id,
			Type: functionCallType,
			Function: WireFunction{
				Name:      call.Name,
				Arguments: args,
			},
		})
	}
	return wm, nil
}

// FromWire converts a wire response message into a canonical model turn.
// Malformed tool-call arguments are a hard error: the backend produced
// output the bridge cannot represent, and swallowing it would hand the
// caller a silently truncated action.
func (t *Translator) FromWire(msg WireMessage) (llm.Turn, error) {
	turn := llm.Turn{Role: llm.RoleModel}
	if msg.Content != "" {
		turn.Parts = append(turn.Parts, llm.TextPart(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return llm.Turn{}, &llm.Error{
				Code:    llm.ErrInvalidResponse,
				Message: fmt.Sprintf("malformed arguments for tool call %q: %v", tc.Function.Name, err),
			}
		}
		turn.Parts = append(turn.Parts, llm.Part{
			Type: llm.PartToolCall,
			ToolCall: &llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			},
		})
	}
	return turn, nil
}

// capabilityAdvisories checks the capability table when the conversation
// carries tool activity. Advisories are logged and returned, never fatal.
func (t *Translator) capabilityAdvisories(conv llm.Conversation, model string) []string {
	if t.caps == nil || !conv.HasToolActivity() {
		return nil
	}
	entry := t.caps.Lookup(model)
	var warnings []string
	if !entry.SupportsTools {
		warnings = append(warnings, fmt.Sprintf(
			"model %q is not registered as tool-capable; tool calls may be ignored by the backend", model))
	} else if size, ok := capability.ParamSize(model); ok &&
		entry.MinSizeBillionParams > 0 && size < entry.MinSizeBillionParams {
		warnings = append(warnings, fmt.Sprintf(
			"model %q (%sB params) is below the %sB threshold where %s handles tools reliably",
			model,
			strconv.FormatFloat(size, 'f', -1, 64),
			strconv.FormatFloat(entry.MinSizeBillionParams, 'f', -1, 64),
			entry.Family))
	}
	for _, w := range warnings {
		t.logger.Warn("capability advisory", zap.String("model", model), zap.String("advisory", w))
	}
	return warnings
}

func wireRole(role llm.Role) string {
	switch role {
	case llm.RoleModel:
		return "assistant"
	case llm.RoleSystem:
		return "system"
	case llm.RoleToolResult:
		return "tool"
	default:
		return "user"
	}
}

// decodeArguments parses a wire arguments payload into the canonical
// argument object. Backends disagree on whether arguments arrive as a
// JSON object or as a JSON string containing JSON text; both are accepted.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(text), &args); err != nil {
			return nil, err
		}
		if args == nil {
			args = map[string]any{}
		}
		return args, nil
	}
	return nil, fmt.Errorf("arguments are neither a JSON object nor a JSON-encoded string")
}

// normalizeObject maps a nil argument/result object to the empty object.
func normalizeObject(obj map[string]any) map[string]any {
	if obj == nil {
		return map[string]any{}
	}
	return obj
}

// newCallID generates a collision-resistant call identifier. UUIDv7
// combines a millisecond timestamp with random bits, so ids stay unique
// across a process run and sort by creation time.
func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "call_" + id.String()
}
