// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，供 redis 链路存储与描述符缓存共用一条连接。

所有键都加上 Config.KeyPrefix，多条流水线可共享一个 Redis 实例。
Update 以 WATCH/MULTI 实现读-改-写，冲突时重试，耗尽后返回 ErrConflict；
链路存储用它追加跳转记录，避免并发阶段互相覆盖。

未命中返回 ErrCacheMiss，可用 IsCacheMiss 判断。开启 HealthCheckInterval
后后台定时 Ping，失败仅记录告警。
*/
package cache
