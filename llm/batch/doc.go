// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 实现动态推理批处理调度器：一个按模型划分的调度组件，从多个
生产者接收推理请求流，并向下游限流执行引擎提交批次（payload）。

# 概述

核心思想是用一小段可控的排队延迟换取更大、更高效的批次，同时遵守请求
优先级、超时、输入形状一致性、可选的响应缓存与按序响应交付。

# 核心部件

  - PriorityQueue：多级 FIFO 队列，支持策略驱动的超时/拒绝语义，并维护
    一个用于试探性组批而不出队的游标。
  - Payload：提交给执行引擎的工作单元，持有请求列表、状态机、exec 锁与
    批大小统计。
  - DynamicBatchScheduler：生命周期管理、Enqueue 路径、批处理线程、缓存
    插入、按序响应委派；GetDynamicBatch 决策算法作为其方法实现。
  - ResponseFinalizer：要求保序时，按预约顺序耗尽完成队列。

# 使用方式

	sched := batch.NewScheduler("gpt-4", batch.DefaultSchedulerConfig(),
	    rateLimiter, cache, collector, logger)
	defer sched.Shutdown(context.Background())

	resp, err := sched.Enqueue(ctx, req)
*/
package batch
