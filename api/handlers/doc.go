// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 AgentRelay 入口服务与运维端点的 HTTP 处理器。

# 核心类型

  - OriginHandler：POST /submit 校验视频链接、生成 task_id 与
    correlation_id 并投递给入口阶段；GET /status/{id} 轮询跟踪器；
    GET /status/{id}/watch 通过 websocket 推送记录直到终态；
    POST /callbacks/completion 接收终端阶段的完成通知。
  - HealthHandler：/health 与 /ready，后者并发执行注册的 HealthCheck。
  - PingCheck：把 ping 函数包装为 HealthCheck。
  - Response / ErrorInfo：统一 JSON 响应结构。
  - ResponseWriter：记录状态码与字节数，供日志、指标与追踪中间件使用。

# 辅助函数

WriteJSON / WriteSuccess / WriteError 统一输出，错误码经
types.DefaultHTTPStatus 映射为状态码；ReadJSON 限制 1 MB，只返回错误，
由调用方决定响应形状。
*/
package handlers
