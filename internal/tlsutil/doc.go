// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 为阶段间 HTTP 调用与阶段服务端提供统一的 TLS 配置
// (TLS 1.2+, 仅 AEAD 密码套件), 并按调用场景调整连接超时.
package tlsutil
