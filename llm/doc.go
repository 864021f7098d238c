// 版权所有 2025 ModelBridge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 定义桥接层的规范数据模型与后端抽象。

# 概述

本包屏蔽本地聊天服务与云端 API 在接口、鉴权、错误语义和流式协议上的
差异，对上层暴露一致的会话模型与统一的 Provider 接口。翻译、重试与
流式解码由各后端包实现；本包只承载：

  - 规范会话表示：Conversation、Turn 与封闭联合的 Part。
  - 请求/响应类型：ChatRequest、ChatResponse、StreamChunk。
  - 错误分类：Error 与 ErrorCode，可重试性由 IsRetryable 判定。
  - 后端注册表：ProviderRegistry，由组合根显式构造与持有。

# 基本用法

	conv := llm.NewConversation().
		AddSystemText("You are a helpful assistant.").
		AddUserText("What's the weather in Paris?")

	resp, err := provider.Completion(ctx, &llm.ChatRequest{Conversation: *conv})

流式消费：

	ch, err := provider.Stream(ctx, req)
	for chunk := range ch {
		if chunk.Err != nil {
			// 处理流中途失败；连接已被释放
		}
	}
*/
package llm
