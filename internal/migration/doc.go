// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理链路存储（task_chains 表）的 Schema 迁移，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下，
列定义与 persistence 包的 SQLChainStore 一致。SQLite 使用纯 Go 的
modernc.org/sqlite 驱动，无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close。
  - Config：方言、连接串、迁移表名、锁超时与日志。
  - CLI：为 migrate 子命令渲染输出，状态表使用 go-pretty。

# 工厂函数

NewMigratorFromConfig / NewMigratorFromDatabaseConfig 从应用配置的
database 段构建连接串；NewMigratorFromURL 接受显式连接串。
*/
package migration
