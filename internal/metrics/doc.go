// 版权所有 2024 AIRouter Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的路由核心指标采集能力，覆盖
HTTP 入口与路由/熔断/队列三个维度。

# 核心类型

  - Collector：指标收集器，使用 promauto 自动注册机制，按 namespace
    隔离，支持多维度 label 分组。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 路由指标：按 (vendor, model, outcome) 统计每次尝试，并记录
    vendor 间的故障转移次数。
  - 熔断器指标：每个 vendor 的当前状态（closed/open/halfOpen）。
  - 队列指标：当前排队深度 gauge。
*/
package metrics
