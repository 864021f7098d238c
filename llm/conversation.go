package llm

import (
	"fmt"
	"strings"
)

// Role 标识会话中一条 Turn 的发言方。
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleModel      Role = "model"
	RoleToolResult Role = "tool-result"
)

// PartType discriminates the closed union of Part variants.
// Unrecognized shapes from upstream are rejected explicitly rather than
// passed through as opaque dictionaries.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// ToolCall 表示模型提出的一次函数调用。
// ID 可以为空；翻译层会在编码时生成抗冲突的标识。
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult 表示一次工具执行的结果，按函数名关联回原始调用。
type ToolResult struct {
	Name   string         `json:"name"`
	Result map[string]any `json:"result,omitempty"`
}

// Part is one element of a Turn: exactly one of Text, ToolCall or
// ToolResult is meaningful, selected by Type.
type Part struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text Part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart builds a tool-call Part.
func ToolCallPart(name string, args map[string]any) Part {
	return Part{Type: PartToolCall, ToolCall: &ToolCall{Name: name, Arguments: args}}
}

// ToolResultPart builds a tool-result Part.
func ToolResultPart(name string, result map[string]any) Part {
	return Part{Type: PartToolResult, ToolResult: &ToolResult{Name: name, Result: result}}
}

// Turn 是会话中的一条发言：一个角色加上有序的 Part 序列。
// model 角色的 Turn 可以同时携带 text 和 tool-call；
// tool-result 角色的 Turn 必须恰好包含一个 tool-result Part。
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Validate checks the structural invariants of a single Turn.
func (t Turn) Validate() error {
	switch t.Role {
	case RoleSystem, RoleUser, RoleModel, RoleToolResult:
	default:
		return fmt.Errorf("unknown turn role %q", t.Role)
	}

	if t.Role == RoleToolResult {
		if len(t.Parts) != 1 || t.Parts[0].Type != PartToolResult {
			return fmt.Errorf("tool-result turn must contain exactly one tool-result part, got %d parts", len(t.Parts))
		}
	}

	for i, p := range t.Parts {
		switch p.Type {
		case PartText:
		case PartToolCall:
			if p.ToolCall == nil || p.ToolCall.Name == "" {
				return fmt.Errorf("part %d: tool-call part missing function name", i)
			}
		case PartToolResult:
			if p.ToolResult == nil || p.ToolResult.Name == "" {
				return fmt.Errorf("part %d: tool-result part missing function name", i)
			}
		default:
			return fmt.Errorf("part %d: unrecognized part type %q", i, p.Type)
		}
	}
	return nil
}

// TextContent joins all text Parts of the turn with a newline separator.
func (t Turn) TextContent() string {
	var texts []string
	for _, p := range t.Parts {
		if p.Type == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// ToolCalls returns the tool-call Parts of the turn, in order.
func (t Turn) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range t.Parts {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}

// ToolResult returns the tool-result Part of the turn, or nil.
func (t Turn) ToolResult() *ToolResult {
	for _, p := range t.Parts {
		if p.Type == PartToolResult {
			return p.ToolResult
		}
	}
	return nil
}

// Conversation 是调用方持有的规范会话表示。
// 桥接层只读取它来派生 wire 请求，从不修改。
type Conversation struct {
	Turns []Turn `json:"turns"`
}

// NewConversation creates an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// AddTurn appends a turn and returns the conversation for chaining.
func (c *Conversation) AddTurn(t Turn) *Conversation {
	c.Turns = append(c.Turns, t)
	return c
}

// AddSystemText appends a system turn with a single text part.
func (c *Conversation) AddSystemText(text string) *Conversation {
	return c.AddTurn(Turn{Role: RoleSystem, Parts: []Part{TextPart(text)}})
}

// AddUserText appends a user turn with a single text part.
func (c *Conversation) AddUserText(text string) *Conversation {
	return c.AddTurn(Turn{Role: RoleUser, Parts: []Part{TextPart(text)}})
}

// AddToolResult appends a tool-result turn.
func (c *Conversation) AddToolResult(name string, result map[string]any) *Conversation {
	return c.AddTurn(Turn{Role: RoleToolResult, Parts: []Part{ToolResultPart(name, result)}})
}

// Validate checks every turn of the conversation.
func (c Conversation) Validate() error {
	for i, t := range c.Turns {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("turn %d: %w", i, err)
		}
	}
	return nil
}

// HasToolActivity reports whether any turn carries tool-call or
// tool-result parts. Used to decide whether a capability advisory
// is warranted before dispatch.
func (c Conversation) HasToolActivity() bool {
	for _, t := range c.Turns {
		for _, p := range t.Parts {
			if p.Type == PartToolCall || p.Type == PartToolResult {
				return true
			}
		}
	}
	return false
}
