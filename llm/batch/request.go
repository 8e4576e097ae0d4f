package batch

import (
	"time"

	"github.com/google/uuid"
)

// Shape 描述一个输入张量的形状与是否存在，用于必需一致性指纹比对。
type Shape struct {
	// Dims 是张量各维度大小；批维通常省略。equalDims 逐一比较全部维度，
	// -1 也按字面值比较，不作通配。
	Dims []int64
	// Present 标记该可选输入是否随本请求提供。
	Present bool
}

// equalDims 比较两个维度切片是否逐一相等。
func equalDims(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Request 是核心依赖的推理请求的最小外部形状（对应 §3 "InferenceRequest"）。
// 请求/响应对象的构造与序列化明确不在本包范围内：Payload 字段是一个不透明
// 载荷，调用方决定其含义。
type Request struct {
	// ID 唯一标识该请求，默认由 NewRequest 生成一个 UUID。
	ID string

	// Priority 是非负整数，数值越小优先级越高。
	Priority int

	// BatchSize 是该请求占用的批容量，正整数，默认为 1。
	BatchSize int

	// Payload 是调用方的不透明请求内容。
	Payload any

	// InputShapes 按输入名称索引，用于必需一致性张量形状检查。
	InputShapes map[string]Shape

	// CacheKey 是预先算好的缓存键；为空时调度器会调用 Cache.Hash 计算。
	CacheKey string
	// CacheKeySet 标记 CacheKey 字段是否已经填充。
	CacheKeySet bool

	// 时间戳钩子，对应 §3 "timestamp hooks"。零值表示尚未记录。
	QueueStartTime      time.Time
	BatcherStartTime    time.Time
	CacheLookupStartNs  int64
	CacheLookupEndNs    int64

	// TimeoutOverride 允许单个请求携带比所属层级策略更严格的排队超时。
	// 只有在该层级的 QueuePolicy.AllowTimeoutOverride 为 true 时才会被
	// PriorityQueue.Enqueue 采纳；它只能收紧截止时间，不能放宽——当它
	// 大于等于层级的 MaxQueueDelay，或层级本身不设延迟上限时会被忽略。
	// 零值表示不请求覆盖。
	TimeoutOverride time.Duration

	// deadline 是该请求的绝对超时截止时间；由所属层级的策略（以及可能的
	// TimeoutOverride）计算得出，零值表示没有有限截止时间。仅由
	// PriorityQueue 内部设置。
	deadline time.Time

	// respCh 是 Enqueue 调用方等待最终响应的通道，由调度器在提交请求时
	// 创建，容量为 1。
	respCh chan *Response

	// slot 是该请求在完成队列中的预约槽位，仅当 PreserveOrdering 或
	// ResponseCacheEnable 开启时才会被设置。
	slot *completionSlot
}

// NewRequest 构造一个带默认 ID 与 BatchSize 的请求。
func NewRequest(payload any, priority int) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Priority:  priority,
		BatchSize: 1,
		Payload:   payload,
	}
}

// EffectiveBatchSize 返回 max(1, BatchSize)，对应算法中反复出现的
// max(1, request.BatchSize()) 规则。
func (r *Request) EffectiveBatchSize() int {
	if r.BatchSize < 1 {
		return 1
	}
	return r.BatchSize
}

// Response 是执行引擎针对某个请求产生的一次输出（对应完成队列中的
// (response, flags) 对）。
type Response struct {
	RequestID string
	Payload   any
	Err       error
	// Final 标记这是该请求的最后一条响应；FinalizeResponses 只有在观察到
	// Final 时才会释放对应的完成槽位。
	Final bool
}
