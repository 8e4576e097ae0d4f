// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 inferbatchd HTTP API 的请求处理器实现。

# 概述

handlers 包实现 inferbatchd 所有 HTTP 端点的请求处理逻辑，包括批处理
推理入队、队列状态流、健康检查以及统一的响应/错误处理。所有 Handler
均遵循标准 net/http 接口。

# 核心类型

  - InferHandler     — 将 HTTP 请求转换为 batch.DynamicBatchScheduler.Enqueue 调用
  - StreamHandler    — 通过 websocket 推送队列深度快照
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（SchedulerHealthCheck、RedisHealthCheck 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MiB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（UNAVAILABLE/INVALID_ARG/CAPACITY/INTERNAL）
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
