// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 handoff 提供阶段之间的任务交接: 为一个输出寻找下一跳阶段并转发信封。

# 概述

阶段完成本地处理后, 把输出交给 Dispatcher。Dispatcher 按 RoutingHint
依次尝试三个发现层级, 选择第一个非空层级的第一个候选, 构造下一跳
TaskEnvelope 并 POST 到候选的 /tasks/send。投递结果以 Outcome 返回,
从不 panic, 也不以 error 越过调度器边界。

# 发现层级

  - 第一层: 能力短语 (RoutingHint.CapabilityPhrase), 为空时跳过。
  - 第二层: 技能名 (RoutingHint.Skill); 只有内容类型时改用内容类型过滤。
  - 第三层: 不带过滤条件, 任何可达的对端。

# 信封构造

下一跳元数据是入站元数据的副本, 覆盖 flow_step、flow_completed、
source_agent, 并无条件传递 correlation_id (缺失时生成) 与 callback_url。
PayloadText 生成 text/plain、text/uri-list、application/json 三个 part;
PayloadRecord 生成单个 application/json data part。

# 失败记录

除 forwarded 以外的结果都会以 forward_failed 写入链路存储 (若已配置),
并通过 Observer 计入指标; 成功转发记录一条 processing 跳转。等待下一跳
响应超时的投递 (Outcome.TimedOut) 仍返回 transport_error, 但只记录一条带
错误说明的 processing 跳转, 下游阶段随后的 completed 跳转照常生效。
*/
package handoff
