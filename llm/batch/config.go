package batch

import "time"

// TimeoutAction 描述某个优先级层级在请求超龄后的处理策略。
type TimeoutAction int

const (
	// TimeoutReject 将超龄请求移入拒绝桶，随后以 UNAVAILABLE 响应。
	TimeoutReject TimeoutAction = iota
	// TimeoutDelay 允许请求继续排队，只是不再计入其自身的延迟预算。
	TimeoutDelay
)

func (a TimeoutAction) String() string {
	if a == TimeoutDelay {
		return "DELAY"
	}
	return "REJECT"
}

// QueuePolicy 是某个优先级层级（或默认层级）的排队策略。
type QueuePolicy struct {
	// MaxQueueDelay 是该层级请求允许排队的最长时间；0 表示不设上限。
	MaxQueueDelay time.Duration
	// TimeoutAction 决定超龄请求是被拒绝还是继续延迟排队。
	TimeoutAction TimeoutAction
	// MaxQueueSize 是该层级允许排队的最大请求数；0 表示不设上限。
	MaxQueueSize int
	// AllowTimeoutOverride 允许单个请求携带比层级更严格的超时。
	AllowTimeoutOverride bool
}

// DefaultQueuePolicy 返回一个不限队列大小、不设延迟上限的宽松策略。
func DefaultQueuePolicy() QueuePolicy {
	return QueuePolicy{
		MaxQueueDelay:        0,
		TimeoutAction:        TimeoutReject,
		MaxQueueSize:         0,
		AllowTimeoutOverride: false,
	}
}

// CustomBatchHooks 是三个可选的纯回调，参数化于一个由 Payload 拥有的
// 不透明用户指针。它们在 payload 的 exec 锁下被调用，且不得回调调度器
// 的公开 API（参见 §9 设计说明）。
type CustomBatchHooks struct {
	// Init 在游标失效重建时调用，用于重建自定义累加器。
	Init func(userData any) error
	// Include 对游标处的每个候选请求调用一次；返回 false 表示应停止扩展。
	Include func(userData any, req *Request) bool
	// Fini 在批次最终提交前调用，释放累加器持有的资源。
	Fini func(userData any)
}

// SchedulerConfig 是构造 DynamicBatchScheduler 所需的完整配置（对应 §6
// "Construction config"）。
type SchedulerConfig struct {
	// DynamicBatchingEnabled 关闭时，每个请求都被打包为单请求 payload
	// 直接提交给限流器，PriorityQueue/GetDynamicBatch 完全不参与。
	DynamicBatchingEnabled bool

	// MaxBatchSize 是单个 payload 允许达到的最大批大小，必须 >= 1。
	MaxBatchSize int

	// PreferredBatchSizes 是一组正整数，按升序排列；调度器优先寻找
	// 能整体容纳的、最大的一个首选大小。
	PreferredBatchSizes []int

	// MaxQueueDelay 是等待凑批的最长时间；0 表示不等待凑批：只要有待批
	// 请求就立即触发（批大小仍受首选大小与 max_batch_size 约束）。
	MaxQueueDelay time.Duration

	// PreserveOrdering 要求同一优先级内的响应按入队顺序交付。
	PreserveOrdering bool

	// ResponseCacheEnable 打开后，Enqueue 会先尝试缓存命中。
	ResponseCacheEnable bool

	// EnforceEqualShapeTensors 列出必须在批内保持形状一致的输入名称，
	// 值表示该输入是否为必需（false 表示可选，但存在性掩码仍需一致）。
	EnforceEqualShapeTensors map[string]bool

	// PriorityLevels 是配置的优先级层级数；0 表示禁用优先级（退化为单层）。
	PriorityLevels uint32

	// DefaultQueuePolicy 应用于未在 QueuePolicyMap 中出现的层级。
	DefaultQueuePolicy QueuePolicy

	// QueuePolicyMap 按层级号覆盖 DefaultQueuePolicy。
	QueuePolicyMap map[int]QueuePolicy

	// CustomBatch 是可选的自定义组批钩子；为 nil 时完全跳过。
	CustomBatch *CustomBatchHooks

	// Nice 是调度线程的优先级提示（POSIX nice 值语义），非强制。
	Nice int

	// MaxPayloadsPerSecond 限制该模型的限流器向执行引擎提交 payload 的
	// 速率；<= 0 表示不限速，仅 MaxBatchSize 充当并发突发容量上限。
	MaxPayloadsPerSecond float64
}

// DefaultSchedulerConfig 返回一个动态批处理开启、无优先级分层、
// 100ms 最大排队延迟的合理默认配置。
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DynamicBatchingEnabled:   true,
		MaxBatchSize:             8,
		PreferredBatchSizes:      []int{4, 8},
		MaxQueueDelay:            100 * time.Millisecond,
		PreserveOrdering:         false,
		ResponseCacheEnable:      false,
		EnforceEqualShapeTensors: nil,
		PriorityLevels:           0,
		DefaultQueuePolicy:       DefaultQueuePolicy(),
		QueuePolicyMap:           nil,
		CustomBatch:              nil,
		Nice:                     0,
		MaxPayloadsPerSecond:     0,
	}
}

// policyForLevel 返回给定优先级层级应使用的策略。
func (c *SchedulerConfig) policyForLevel(level int) QueuePolicy {
	if c.QueuePolicyMap != nil {
		if p, ok := c.QueuePolicyMap[level]; ok {
			return p
		}
	}
	return c.DefaultQueuePolicy
}
