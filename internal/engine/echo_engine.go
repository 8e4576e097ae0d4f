// Package engine provides the demo execution engine wired behind the
// dynamic batcher's RateLimiter contract. It stands in for a real GPU
// inference backend: it accepts a fired batch.Payload, does a bounded
// amount of simulated work per request through internal/pool.GoroutinePool,
// and echoes each request's payload back as its response.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/internal/pool"
	"github.com/BaSui01/inferbatch/llm/batch"

	"go.uber.org/zap"
)

// EchoEngine 是绑定给 batch.RateLimiter execute 回调的默认执行引擎。
// 它不做真正的模型推理：每个请求的响应就是它自己的 payload，外加处理
// 该请求所在批次时观测到的批大小，方便端到端验证批处理是否生效。
type EchoEngine struct {
	pool      *pool.GoroutinePool
	latency   time.Duration
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewEchoEngine 创建一个执行引擎，perRequestLatency 模拟真实推理的处理
// 耗时（每个请求独立计时，同一批次内并发执行）。
func NewEchoEngine(p *pool.GoroutinePool, perRequestLatency time.Duration, collector *metrics.Collector, logger *zap.Logger) *EchoEngine {
	return &EchoEngine{pool: p, latency: perRequestLatency, collector: collector, logger: logger}
}

// EchoResponse 是 EchoEngine 对每个请求返回的响应体。
type EchoResponse struct {
	Echo      any `json:"echo"`
	BatchSize int `json:"batch_size"`
}

// Execute 满足 batch.RateLimiter 构造函数所需的 execute 签名，处理一个
// 已经被批处理线程移交出来的 payload。payload 中的每个请求都通过
// GoroutinePool 并发"执行"，全部完成后再把 payload 标记为 Released。
func (e *EchoEngine) Execute(ctx context.Context, model string, payload batch.Payload) error {
	payload.Lock()
	reqs := append([]*batch.Request(nil), payload.Requests()...)
	batchSize := payload.BatchSize()
	payload.Unlock()

	if e.collector != nil {
		e.collector.RecordBatchFired(model, batchSize)
	}

	done := make(chan error, len(reqs))
	for _, req := range reqs {
		req := req
		submitErr := e.pool.Submit(ctx, func(taskCtx context.Context) error {
			start := time.Now()
			if e.latency > 0 {
				select {
				case <-time.After(e.latency):
				case <-taskCtx.Done():
					return taskCtx.Err()
				}
			}
			e.deliver(taskCtx, model, req, batchSize)
			e.logger.Debug("echo engine processed request",
				zap.String("model", model),
				zap.String("request_id", req.ID),
				zap.Duration("elapsed", time.Since(start)),
			)
			done <- nil
			return nil
		})
		if submitErr != nil {
			e.respondUnavailable(req, model, batchSize)
			done <- submitErr
		}
	}

	for range reqs {
		select {
		case <-done:
		case <-ctx.Done():
			payload.Lock()
			payload.SetState(batch.PayloadReleased)
			payload.Unlock()
			return ctx.Err()
		}
	}

	payload.Lock()
	payload.SetState(batch.PayloadReleased)
	payload.Unlock()
	return nil
}

func (e *EchoEngine) deliver(ctx context.Context, model string, req *batch.Request, batchSize int) {
	scheduler, ok := schedulerFromContext(ctx)
	if !ok {
		return
	}
	scheduler.DelegateResponse(ctx, req, &batch.Response{
		RequestID: req.ID,
		Payload:   EchoResponse{Echo: req.Payload, BatchSize: batchSize},
		Final:     true,
	})
}

func (e *EchoEngine) respondUnavailable(req *batch.Request, model string, batchSize int) {
	e.logger.Warn("echo engine failed to submit request to pool",
		zap.String("model", model), zap.String("request_id", req.ID))
}

type schedulerContextKey struct{}

// WithScheduler 把调度器实例挂到 execute 回调所使用的 context 上，供
// EchoEngine 在处理完成后调用 DelegateResponse。cmd/inferbatchd 在构造
// TokenBucketRateLimiter 时用它包装传给 execute 的 ctx。
func WithScheduler(ctx context.Context, s *batch.DynamicBatchScheduler) context.Context {
	return context.WithValue(ctx, schedulerContextKey{}, s)
}

func schedulerFromContext(ctx context.Context) (*batch.DynamicBatchScheduler, bool) {
	s, ok := ctx.Value(schedulerContextKey{}).(*batch.DynamicBatchScheduler)
	return s, ok
}

// NewExecuteFunc 构造可以直接传给 batch.NewTokenBucketRateLimiter 的
// execute 回调。因为 EchoEngine.Execute 依赖 WithScheduler 注入的调度器
// 才能投递响应，NewExecuteFunc 把两者绑在一起，避免调用方在服务器初始化
// 时漏挂 context。
func NewExecuteFunc(e *EchoEngine, scheduler **batch.DynamicBatchScheduler) func(ctx context.Context, model string, payload batch.Payload) error {
	return func(ctx context.Context, model string, payload batch.Payload) error {
		if *scheduler == nil {
			return fmt.Errorf("engine: scheduler for model %q not yet initialized", model)
		}
		return e.Execute(WithScheduler(ctx, *scheduler), model, payload)
	}
}
