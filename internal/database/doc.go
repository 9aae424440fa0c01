// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为 sql 链路存储打开并管理 GORM 连接。

Open 按驱动名选择方言：postgres、mysql，以及纯 Go 的 sqlite
(github.com/glebarez/sqlite)，无需 cgo。PoolManager 应用 PoolConfig
中的连接池参数，可选后台探活。

探活成功时以 Debug 级别输出 sql.DBStats 摘要，关闭后 Ping 返回 ErrPoolClosed。
*/
package database
