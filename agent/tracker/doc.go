// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 tracker 在源端跟踪提交到流水线的任务, 直到得出完成或失败的结论。

# 信号顺序

权威信号优先:

  - 终端阶段或失败阶段发来的完成通知 (ReceiveCompletion)
  - 链路存储中的终端状态 (completed / failed / forward_failed)
  - 入口阶段 /tasks/get 返回 flow_completed 的快照

都没有时才使用启发式规则, 结果带 Inferred 标记:

  - 入口阶段已不持有该任务, 返回 synthesized 快照 (synthesized_status)
  - 超过 Dwell (默认 3 分钟) 且终端阶段健康检查通过
  - 超过 Ceiling (默认 10 分钟)
  - 连续探测失败次数超过 MaxProbeFailures (默认 5)

# 容量

记录按插入顺序保存, 超过 Capacity 时淘汰最旧的记录;
超过 TTL 未更新的记录由 StartCleanupLoop 定期清理。
*/
package tracker
