// Copyright (c) AIRouter Authors.
// Licensed under the MIT License.

/*
Package types 提供路由核心的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 providers、router、api
等上层模块提供统一的类型契约，避免循环依赖。

# 核心类型

  - Message / Role       — 内部统一聊天消息格式（OpenAI 形状）
  - ToolCall / ToolSchema — 工具调用与工具定义
  - Error / ErrorCode     — 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记

# 主要能力

  - Context 传播：WithRequestID / RequestID
  - 错误工具链：IsRetryable / GetErrorCode / With* 构造器
*/
package types
