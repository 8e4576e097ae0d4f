// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 为 llm/batch 的响应缓存契约提供一个具体的多级实现：本地 LRU
作为 L1，Redis 作为 L2，二者协同减少重复推理请求的执行开销。

# 概述

调度器把缓存当作一个不透明契约（batch.Cache）消费：Hash 为请求计算
一个稳定的键，Lookup 在命中时短路整个批处理路径，Insert 在执行完成后
写回。本包提供该契约的默认后端。

# 核心接口

  - KeyStrategy：缓存键生成策略接口，支持 Hash 与 Hierarchical 两种实现。
  - MultiLevelCache：实现 batch.Cache；本地 LRU 作为 L1、Redis 作为 L2。

# 主要能力

  - 多级缓存：L1 本地 LRU（O(1) 操作）+ L2 Redis，自动回填。
  - 策略模式：Hash 策略适用于精确匹配，Hierarchical 策略在请求负载携带
    模型/租户字段时支持前缀共享。
  - ALREADY_EXISTS 语义：Insert 在键已存在时返回 batch.CacheAlreadyExists
    而不是错误，调用方按约定不得将其当作失败处理。

# 使用方式

	cfg := cache.DefaultCacheConfig()
	mlc := cache.NewMultiLevelCache(redisClient, cfg, collector, logger)
	scheduler := batch.NewScheduler("model-a", schedulerCfg, rateLimiter, mlc, collector, logger)
*/
package cache
