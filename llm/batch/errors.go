package batch

import "errors"

// 哨兵错误，对应 §7 定义的错误类别。调用方可用 errors.Is 判定。
var (
	// ErrUnavailable 表示调度器已停止，或请求在队列中超时被拒绝。
	ErrUnavailable = errors.New("batch: scheduler unavailable")

	// ErrInvalidPriority 表示请求指定了一个未配置的优先级层级。
	ErrInvalidPriority = errors.New("batch: unknown priority level")

	// ErrCapacity 表示在 REJECT 策略下，优先级层级的最大队列长度将被突破。
	ErrCapacity = errors.New("batch: queue capacity exceeded")

	// ErrQueueEmpty 表示对空队列调用 Dequeue。
	ErrQueueEmpty = errors.New("batch: queue is empty")

	// ErrInternal 表示队列/游标不变式被破坏，属于不应发生的内部错误。
	ErrInternal = errors.New("batch: internal invariant violation")

	// ErrPayloadStale 表示试图扩展一个已进入 EXECUTING/RELEASED 状态的 payload。
	ErrPayloadStale = errors.New("batch: payload is stale")

	// ErrShapeMismatch 表示请求的输入张量形状与 payload 的必需一致性指纹冲突。
	ErrShapeMismatch = errors.New("batch: input shape mismatch")
)
