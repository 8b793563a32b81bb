// Copyright (c) AIRouter Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 AI Router HTTP API 的请求处理器实现。

# 概述

handlers 包实现了路由器所有 HTTP 端点的请求处理逻辑：OpenAI 兼容的
聊天/图像/向量入口、Anthropic 原生 messages 入口、异步任务轮询、
供应商状态快照与健康检查，以及统一的错误包裹输出。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - ChatHandler       — /v1/chat/completions，支持同步与 SSE 流式响应
  - MessagesHandler   — /v1/messages，Anthropic 原生报文双向翻译
  - ImagesHandler     — /v1/images/generations
  - EmbeddingsHandler — /v1/embeddings
  - QueueHandler      — /v1/queue/{id} 异步任务轮询
  - StatusHandler     — /v1/providers/status 熔断/限流快照
  - HealthHandler     — /health 存活探针
  - ResponseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 双错误包裹：WriteOpenAIError / WriteAnthropicError，按路径选择
  - 请求验证：DecodeJSONBody（1 MB 限制）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx，499 表示客户端取消）
  - SSE 流式输出：text/event-stream + X-Accel-Buffering: no
  - 每个路由响应携带 x-ai-router-provider / x-ai-router-model 头

# 错误处理

所有面向客户端的失败都是结构化 JSON，绝不透传 vendor 原始报文。
OpenAI 路径使用 {error:{message,type,code}}；Anthropic 路径使用
{type:"error",error:{type,message}}。
*/
package handlers
