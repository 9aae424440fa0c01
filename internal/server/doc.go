// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 管理阶段与入口服务的 HTTP 监听生命周期。

Manager 在后台 goroutine 中运行 http.Server，Start/StartTLS 立即返回，
监听失败或运行期错误经 Errors() 通道上报。

停机顺序：

 1. WaitForShutdown 收到 SIGINT/SIGTERM 后调用 Shutdown。
 2. Shutdown 先停止接收新请求并排空在途请求。
 3. 再按注册顺序执行 OnShutdown 钩子，例如等待异步转发排空、
    关闭链路存储与数据库连接。钩子出错会记录并汇总返回，
    但不阻断后续钩子。

Addr 在 ":0" 监听时返回实际端口，便于测试。
*/
package server
