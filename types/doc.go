// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 inferbatch 的全局共享类型定义。

# 概述

types 是框架最底层的公共包，不依赖任何内部包，为 llm/batch、config、
api 等上层模块提供统一的错误契约，避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记。

# 错误码

四个错误码覆盖调度器操作的全部结果分类：

  - CodeUnavailable — 调度器已停止或未就绪。
  - CodeInvalidArg  — 调用方传入的参数不合法。
  - CodeCapacity    — 队列已满，没有空间容纳新请求。
  - CodeInternal    — 内部错误，调用方无法采取任何行动。

# 主要能力

  - 错误构造：NewError + WithCause / WithHTTPStatus / WithRetryable 链式设置。
  - 错误检查：IsRetryable / GetErrorCode。
*/
package types
