// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 以 Prometheus 暴露流水线指标。

Collector 通过 promauto 注册到默认 Registry，同一进程只应创建一次。
它同时实现 a2a.TaskObserver、discovery.ProbeObserver、handoff.Observer
与 tracker.Observer，各组件只依赖自己的观察者接口：

  - HTTP：按 method、规范化 path 与状态码类别（2xx 等）计数和计时
  - 阶段：按 stage/status 统计任务与处理耗时
  - 发现：按 peer/outcome 统计描述符探测
  - 转发：按 tier/status 统计 hand-off
  - 跟踪器：按 state/reason 统计状态转换
*/
package metrics
