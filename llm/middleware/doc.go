// 版权所有 2024 AIRouter Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 middleware 提供请求改写器链，用于在请求交给某个 vendor 适配器翻译
之前，对 NormalizedChatRequest 做一次参数清理。

# 核心接口

  - RequestRewriter：改写器接口，包含 Rewrite 与 Name 方法。
  - RewriterChain：改写器链，按顺序执行多个 RequestRewriter，任一失败即中断。

# 内置改写器

  - EmptyToolsCleaner：当 Tools 为空时清除 ToolChoice，避免上游因
    「空 tools 数组却设置了 tool_choice」而返回 400。
*/
package middleware
