// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 AgentRelay 的配置管理功能。
//
// 配置按 默认值 → YAML / TOML 文件 → AGENTRELAY_ 环境变量 的顺序合并,
// 文件格式由扩展名决定。Validate 检查端口、阶段类型、对端模式、
// 跟踪器阈值与链路存储后端。
package config
