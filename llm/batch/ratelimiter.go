package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/inferbatch/llm/circuitbreaker"
)

// RateLimiter 是 §6 消费的限流器契约：控制某个模型可以并发提交多少个
// 执行槽位。调度器只依赖这个接口，具体后端由宿主进程注入。
type RateLimiter interface {
	// GetPayload 从限流器申请一个新的、绑定到指定模型实例的 payload。
	GetPayload(model string, instance any) Payload
	// EnqueuePayload 将组装好的 payload 提交执行；返回值传播给 Enqueue 的
	// 调用方（当以单请求路径直接提交时）。
	EnqueuePayload(ctx context.Context, model string, payload Payload) error
	// PayloadSlotAvailable 报告该模型当前是否还有空闲执行槽位。
	PayloadSlotAvailable(model string) bool
}

// TokenBucketRateLimiter 是 RateLimiter 的默认实现：按模型维护一个
// golang.org/x/time/rate 令牌桶控制提交速率，另用一个槽位计数器限制
// 同时在执行中的 payload 数（令牌桶本身不建模"占用中直到释放"的语义，
// 两者是互补的两条防线），并用一个熔断器包裹 EnqueuePayload，防止执行
// 引擎长时间不可用时拖死批处理线程。
type TokenBucketRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	slots    map[string]int
	burst    int
	rps      rate.Limit

	breaker circuitbreaker.CircuitBreaker
	execute func(ctx context.Context, model string, payload Payload) error
	logger  *zap.Logger
}

// NewTokenBucketRateLimiter 构造一个默认限流器。burst 是每个模型允许的
// 并发执行槽位数，同时也是令牌桶的突发容量；ratePerSecond 是每个模型
// 允许的 payload 提交速率，<= 0 表示不限速（令牌桶退化为 rate.Inf，仅
// 突发容量生效）。execute 是真正把 payload 交给执行引擎的回调（通常由
// cmd/inferbatchd 用 internal/pool.GoroutinePool 驱动的 worker 提供）。
func NewTokenBucketRateLimiter(burst int, ratePerSecond float64, execute func(ctx context.Context, model string, payload Payload) error, logger *zap.Logger) *TokenBucketRateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &TokenBucketRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		slots:    make(map[string]int),
		burst:    burst,
		rps:      limit,
		breaker:  circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), logger),
		execute:  execute,
		logger:   logger,
	}
}

func (l *TokenBucketRateLimiter) limiterFor(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[model]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[model] = lim
	}
	return lim
}

// GetPayload 返回一个全新的、未初始化状态的 payload。instance 参数目前
// 未被默认实现使用，仅为满足契约签名（模型实例亲和性由更高层决定）。
func (l *TokenBucketRateLimiter) GetPayload(model string, instance any) Payload {
	_ = instance
	return newDefaultPayload()
}

// EnqueuePayload 先按令牌桶等待提交速率配额，再占用一个执行槽位并
// （通过熔断器）调用 execute。
func (l *TokenBucketRateLimiter) EnqueuePayload(ctx context.Context, model string, payload Payload) error {
	if err := l.limiterFor(model).Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.slots[model]++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.slots[model]--
		l.mu.Unlock()
	}()

	return l.breaker.Call(ctx, func() error {
		return l.execute(ctx, model, payload)
	})
}

// PayloadSlotAvailable 报告该模型当前占用的槽位数是否低于配置的并发上限。
func (l *TokenBucketRateLimiter) PayloadSlotAvailable(model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slots[model] < l.burst
}

// waitForSlot 在给定超时内阻塞，直到 PayloadSlotAvailable 为真或超时。
// enqueueSingleton 在提交单请求 payload 前用它等待空闲槽位；批处理线程
// 不调用它，而是在 batcherStep 中直接检查 PayloadSlotAvailable。
func waitForSlot(ctx context.Context, rl RateLimiter, model string, timeout time.Duration) bool {
	if rl.PayloadSlotAvailable(model) {
		return true
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if rl.PayloadSlotAvailable(model) {
				return true
			}
		}
	}
	return rl.PayloadSlotAvailable(model)
}
