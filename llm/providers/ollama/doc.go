// Package ollama implements the generation bridge to a locally hosted
// chat server speaking the Ollama HTTP API.
//
// 请求走 POST {endpoint}/api/chat；非流式调用返回单个 JSON 响应，
// 流式调用返回逐行的 JSON 记录，由 streaming.LineDecoder 解码。
// 可达性探测走 GET /api/version，模型枚举走 GET /api/tags。
// 重试只覆盖连接建立；流中途失败直接上抛。
package ollama
