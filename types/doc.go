// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供各阶段共享的最底层类型定义。

# 概述

types 不依赖任何内部包，为 a2a、discovery、handoff、stages 等上层模块
提供统一的错误码，避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系（BadRequest、ValidationFailed、
    ProcessingFailed、ProcessingError、InternalError、NotFound、Malformed、
    ForwardFailed），携带 HTTP 状态码与 Retryable 标记

# 主要能力

  - 错误工具链：WrapError / AsError / IsErrorCode / IsRetryable
  - 哨兵匹配：errors.Is(err, ErrBadRequestValue) 按错误码匹配
  - 状态码映射：DefaultHTTPStatus 将错误码映射为阶段响应状态码
*/
package types
