// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供以关联 ID (correlation id) 为键的链路状态存储及多后端实现。

# 概述

一条链路是一次提交在各处理阶段之间经过的全部跳转。每个阶段完成本地处理后
追加一条 HopRecord；终端阶段与转发失败的调度器写入终态跳转。入口处的完成
追踪器据此得到权威的完成信号，而不必依赖超时推断。

# 核心接口

  - Store: 所有存储的基础接口，提供 Close 和 Ping 健康检查。
  - ChainStore: 链路存储接口，支持追加跳转（RecordHop）、查询、删除
    与按更新时间清理。

# 核心模型

  - ChainState: 链路状态，包含状态机（processing → completed / failed /
    forward_failed）、最新 flow_step、结果链接与全部跳转记录。
    进入终态后状态不再被覆盖，后续跳转仅追加。
  - HopRecord: 单个阶段的跳转记录。
  - StoreConfig / CleanupConfig: 后端选择、容量与自动清理策略。

# 后端实现

  - Memory: 内存实现，容量有界，最早创建的链路优先淘汰。
  - File: 每条链路一个 JSON 文件，gofrs/flock 跨进程加锁，原子写入。
  - Redis: 基于 internal/cache.Manager，WATCH 乐观事务追加跳转。
  - SQL: gorm 实现，task_chains 表，version 列乐观并发，
    兼容 postgres / mysql / sqlite。
  - Mongo: mongo-driver v2 实现，每条链路一个文档。

# 使用方式

通过工厂函数按配置创建存储实例：

	store, err := persistence.NewChainStore(ctx, config, persistence.Backends{Cache: cacheManager}, logger)
	state, err := store.RecordHop(ctx, correlationID, persistence.HopRecord{
		Stage:  "storer",
		Status: persistence.ChainStatusCompleted,
	})
*/
package persistence
