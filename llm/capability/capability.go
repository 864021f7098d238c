// Package capability maintains the per-model tool-calling capability table.
//
// 本地后端对工具调用的支持依赖模型本身的训练；没有这张表时，
// 带工具的请求会被模型静默忽略。注册表按模型家族名登记能力，
// 查找顺序为：完整名精确匹配 → 去掉尺寸标签后的基名精确匹配 →
// 双向子串包含（取最长键）→ 默认条目（未知家族，按不支持处理）。
package capability

import (
	"strconv"
	"strings"
)

// Entry describes the tool-calling capability of one model family.
type Entry struct {
	Family               string  `json:"family"`
	SupportsTools        bool    `json:"supports_tools"`
	MinSizeBillionParams float64 `json:"min_size_billion_params,omitempty"` // below this, tool use is unreliable
	Notes                string  `json:"notes,omitempty"`
}

// builtinEntries is the seed table. Families not listed resolve to the
// default entry (no tool support).
var builtinEntries = []Entry{
	{Family: "llama3.1", SupportsTools: true, MinSizeBillionParams: 8},
	{Family: "llama3.2", SupportsTools: true, MinSizeBillionParams: 1},
	{Family: "llama3.3", SupportsTools: true, MinSizeBillionParams: 70},
	{Family: "qwen2.5", SupportsTools: true, MinSizeBillionParams: 0.5},
	{Family: "qwen2.5-coder", SupportsTools: true, MinSizeBillionParams: 1.5},
	{Family: "qwen3", SupportsTools: true, MinSizeBillionParams: 0.6},
	{Family: "mistral", SupportsTools: true, MinSizeBillionParams: 7},
	{Family: "mistral-nemo", SupportsTools: true, MinSizeBillionParams: 12},
	{Family: "mistral-small", SupportsTools: true, MinSizeBillionParams: 22},
	{Family: "command-r", SupportsTools: true, MinSizeBillionParams: 35},
	{Family: "firefunction-v2", SupportsTools: true, MinSizeBillionParams: 70},
	{Family: "granite3-dense", SupportsTools: true, MinSizeBillionParams: 2},
	{Family: "hermes3", SupportsTools: true, MinSizeBillionParams: 8},
	{Family: "llama3", SupportsTools: false, Notes: "pre-3.1 llama has no tool grammar"},
	{Family: "gemma2", SupportsTools: false},
	{Family: "gemma3", SupportsTools: false, Notes: "no native function calling"},
	{Family: "phi3", SupportsTools: false},
	{Family: "phi4", SupportsTools: false},
	{Family: "deepseek-r1", SupportsTools: false, Notes: "reasoning model; tool grammar not trained in"},
	{Family: "llava", SupportsTools: false, Notes: "vision model"},
}

// defaultEntry is returned for unrecognized model names:
// unknown family, assume no tool support.
var defaultEntry = Entry{Family: "", SupportsTools: false, Notes: "unknown model family"}

// Registry is the process-wide capability table, read-only after
// construction, so concurrent lookups need no locking.
type Registry struct {
	entries map[string]Entry
	def     Entry
}

// NewRegistry returns a registry seeded with the builtin table.
func NewRegistry() *Registry {
	return NewRegistryWithEntries(builtinEntries)
}

// NewRegistryWithEntries builds a registry from an explicit entry list.
// Tests use this to get a fresh, minimal table.
func NewRegistryWithEntries(entries []Entry) *Registry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[strings.ToLower(e.Family)] = e
	}
	return &Registry{entries: m, def: defaultEntry}
}

// Lookup resolves a requested model name to its capability entry.
func (r *Registry) Lookup(model string) Entry {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return r.def
	}

	// Exact match on the full name, then on the base name with the
	// size tag ("qwen2.5:1.5b" -> "qwen2.5") stripped.
	if e, ok := r.entries[name]; ok {
		return e
	}
	base := baseName(name)
	if e, ok := r.entries[base]; ok {
		return e
	}

	// Bidirectional substring containment; the longest matching
	// family key wins.
	var best Entry
	bestLen := 0
	for key, e := range r.entries {
		if strings.Contains(base, key) || strings.Contains(key, base) {
			if len(key) > bestLen {
				best = e
				bestLen = len(key)
			}
		}
	}
	if bestLen > 0 {
		return best
	}
	return r.def
}

// SupportsTools reports whether the model can be trusted with structured
// tool calls, taking the size threshold into account when the requested
// name carries a parseable size tag.
func (r *Registry) SupportsTools(model string) bool {
	e := r.Lookup(model)
	if !e.SupportsTools {
		return false
	}
	if size, ok := ParamSize(model); ok && e.MinSizeBillionParams > 0 && size < e.MinSizeBillionParams {
		return false
	}
	return true
}

// baseName strips the size/variant tag after the colon.
func baseName(model string) string {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		return model[:i]
	}
	return model
}

// ParamSize parses the parameter count, in billions, from a model tag
// such as "qwen2.5:1.5b" or "llama3.1:70b-instruct-q4_0".
func ParamSize(model string) (float64, bool) {
	i := strings.IndexByte(model, ':')
	if i < 0 {
		return 0, false
	}
	tag := strings.ToLower(model[i+1:])
	// The size segment is the first dash-separated token, e.g. "70b" in
	// "70b-instruct-q4_0".
	if j := strings.IndexByte(tag, '-'); j >= 0 {
		tag = tag[:j]
	}
	if !strings.HasSuffix(tag, "b") {
		return 0, false
	}
	size, err := strconv.ParseFloat(strings.TrimSuffix(tag, "b"), 64)
	if err != nil || size <= 0 {
		return 0, false
	}
	return size, true
}
