// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
agentrelay 是 AgentRelay 的命令行入口，在同一个二进制中提供阶段服务、
入口服务以及运维辅助命令。

# 子命令

	agentrelay serve     --config stage.yaml   启动一个流水线阶段
	agentrelay origin    --config origin.yaml  启动入口服务（提交 / 状态 / 回调）
	agentrelay submit    <video-url>           向入口提交视频链接
	agentrelay status    <task-id>             查询任务状态
	agentrelay discover  --skill notion        列出满足条件的对端阶段
	agentrelay migrate   up|down|status|...    管理 task_chains 表结构
	agentrelay health    --addr <url>          健康检查
	agentrelay version                         显示版本信息

# 进程结构

serve 按 stage.kind 组装 a2a.HTTPServer、discovery.Client、
handoff.Dispatcher 与链路存储；origin 组装 tracker.Tracker 与
handlers.OriginHandler。两者都在独立端口上暴露 Prometheus /metrics，
并通过 internal/server.Manager 的关闭钩子依次释放资源。
*/
package main
