package batch

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/inferbatch/internal/metrics"
)

var tracer = otel.Tracer("github.com/BaSui01/inferbatch/llm/batch")

// DynamicBatchScheduler 是本包的核心：把并发到达的推理请求组装成批次，
// 交给一个外部注入的 RateLimiter 执行，并按需通过 Cache 短路重复请求
// （对应 §4 全部组件）。
type DynamicBatchScheduler struct {
	model  string
	cfg    SchedulerConfig
	logger *zap.Logger

	rateLimiter RateLimiter
	cache       Cache
	metrics     *metrics.Collector

	// mu 保护下列字段：队列本身、待批/已排队批大小、下一个首选批大小、
	// 已停止标志。持有顺序永远是先 mu 后 currentPayload 的 exec 锁，
	// 从不反过来（对应 §5 锁层级）。
	mu                     sync.Mutex
	queue                  *PriorityQueue
	currentPayload         Payload
	queuedBatchSize        uint64
	pendingBatchSize       uint64
	nextPreferredBatchSize int
	payloadSaturated       bool
	stopped                bool

	finalizer *ResponseFinalizer

	// debugDelayCount 来自 TRITONSERVER_DELAY_SCHEDULER 环境变量（对应
	// §6.2）：批处理线程在队列达到这个请求数之前，每次醒来都强制等待
	// 10ms，用于在测试中人为拉长竞争窗口。
	debugDelayCount int

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// NewScheduler 构造一个调度器；当 cfg.DynamicBatchingEnabled 为真时立即
// 启动后台批处理线程。collector 可以为 nil（指标采集是可选的旁路）。
func NewScheduler(model string, cfg SchedulerConfig, rateLimiter RateLimiter, cache Cache, collector *metrics.Collector, logger *zap.Logger) *DynamicBatchScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 1
	}

	s := &DynamicBatchScheduler{
		model:       model,
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "batch_scheduler"), zap.String("model", model)),
		rateLimiter: rateLimiter,
		cache:       cache,
		metrics:     collector,
		queue:       NewPriorityQueue(&cfg),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
	s.cfg = cfg
	s.queue.cfg = &s.cfg
	s.currentPayload = s.rateLimiter.GetPayload(s.model, nil)
	s.finalizer = NewResponseFinalizer(s.deliver, s.cache, cfg.ResponseCacheEnable, s.logger)

	if n, err := strconv.Atoi(os.Getenv("TRITONSERVER_DELAY_SCHEDULER")); err == nil && n > 0 {
		s.debugDelayCount = n
	}

	if cfg.DynamicBatchingEnabled {
		s.wg.Add(1)
		go s.batcherLoop()
	}

	return s
}

// deliver 把最终确定的响应交付给等待中的 Enqueue 调用方。
func (s *DynamicBatchScheduler) deliver(req *Request, resp *Response) {
	if req.respCh == nil {
		return
	}
	select {
	case req.respCh <- resp:
	default:
		s.logger.Warn("dropping response, caller channel already delivered", zap.String("request_id", req.ID))
	}
}

// notify 唤醒批处理线程；对已有待处理信号的通道是非阻塞的。
func (s *DynamicBatchScheduler) notify() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Enqueue 提交一个请求并阻塞直到收到最终响应、上下文取消或调度器停止
// （对应 §4.4 步骤 1-6）。
func (s *DynamicBatchScheduler) Enqueue(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "batch.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.model", s.model),
		attribute.Int("batch.priority", req.Priority),
	)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrUnavailable
	}
	s.mu.Unlock()

	if req.QueueStartTime.IsZero() {
		req.QueueStartTime = s.now()
	}
	req.BatcherStartTime = s.now()

	if s.cfg.ResponseCacheEnable && s.cache != nil {
		if resp, hit := s.lookupCache(ctx, req); hit {
			return resp, nil
		}
	}

	req.respCh = make(chan *Response, 1)

	if !s.cfg.DynamicBatchingEnabled {
		if err := s.enqueueSingleton(ctx, req); err != nil {
			return nil, err
		}
		return s.waitForResponse(ctx, req)
	}

	if err := s.enqueueDynamic(req); err != nil {
		return nil, err
	}
	return s.waitForResponse(ctx, req)
}

// lookupCache 尝试通过缓存短路请求；命中时返回响应且 hit 为 true。
func (s *DynamicBatchScheduler) lookupCache(ctx context.Context, req *Request) (*Response, bool) {
	if !req.CacheKeySet {
		key, err := s.cache.Hash(ctx, req)
		if err != nil {
			// 常见于 Cache 实现对某些负载判定为不可缓存，不视为异常。
			s.logger.Debug("request is not cacheable, skipping cache lookup", zap.Error(err))
			return nil, false
		}
		req.CacheKey = key
		req.CacheKeySet = true
	}

	req.CacheLookupStartNs = s.now().UnixNano()
	resp, status, err := s.cache.Lookup(ctx, req.CacheKey)
	req.CacheLookupEndNs = s.now().UnixNano()
	if err != nil {
		s.logger.Sugar().Warnw("cache lookup failed", "error", err)
		return nil, false
	}
	if status != CacheOK {
		return nil, false
	}
	resp.RequestID = req.ID
	resp.Final = true
	return resp, true
}

// enqueueSingleton 实现动态批处理关闭时的单请求路径：每个请求独立打包
// 为一个 payload，直接提交给限流器。
func (s *DynamicBatchScheduler) enqueueSingleton(ctx context.Context, req *Request) error {
	if s.cfg.PreserveOrdering || s.cfg.ResponseCacheEnable {
		req.slot = s.finalizer.Reserve(req)
	}

	if !waitForSlot(ctx, s.rateLimiter, s.model, 5*time.Second) {
		return ErrCapacity
	}

	payload := s.rateLimiter.GetPayload(s.model, nil)
	payload.Lock()
	payload.AddRequest(req)
	payload.SetState(PayloadReady)
	payload.Unlock()

	return s.rateLimiter.EnqueuePayload(ctx, s.model, payload)
}

// enqueueDynamic 把请求放入优先级队列，并在满足唤醒条件时通知批处理
// 线程（对应 §4.4 步骤 6 的唤醒判定）。
func (s *DynamicBatchScheduler) enqueueDynamic(req *Request) error {
	s.mu.Lock()
	if err := s.queue.Enqueue(s.now(), req); err != nil {
		s.mu.Unlock()
		return err
	}
	s.queuedBatchSize += uint64(req.EffectiveBatchSize())
	s.reportQueueDepth()

	if s.cfg.PreserveOrdering || s.cfg.ResponseCacheEnable {
		req.slot = s.finalizer.Reserve(req)
	}

	wake := s.rateLimiter.PayloadSlotAvailable(s.model)
	if wake && len(s.cfg.EnforceEqualShapeTensors) == 0 {
		s.currentPayload.Lock()
		state := s.currentPayload.GetState()
		saturated := s.payloadSaturated
		s.currentPayload.Unlock()
		reachedPreferred := s.nextPreferredBatchSize <= 0 || s.queuedBatchSize >= uint64(s.nextPreferredBatchSize)
		if !(saturated || state.stale() || reachedPreferred) {
			wake = false
		}
	}
	s.mu.Unlock()

	if wake {
		s.notify()
	}
	return nil
}

// waitForResponse 阻塞直到 req.respCh 收到响应或 ctx 被取消。
func (s *DynamicBatchScheduler) waitForResponse(ctx context.Context, req *Request) (*Response, error) {
	select {
	case resp := <-req.respCh:
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reportQueueDepth 在持有 mu 的情况下把当前的排队/待批深度上报给指标
// 采集器；collector 为 nil 时是空操作。
func (s *DynamicBatchScheduler) reportQueueDepth() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetQueuedBatchSize(s.model, int(s.queuedBatchSize))
	s.metrics.SetPendingBatchSize(s.model, int(s.pendingBatchSize))
}

// respondUnavailable 以 UNAVAILABLE 回复一个被拒绝的请求。请求若预约过
// 完成槽位，响应经完成队列交付且不写入缓存，使该槽位被弹出而不会挡住
// 后面的槽位；否则直接交付。
func (s *DynamicBatchScheduler) respondUnavailable(req *Request) {
	resp := &Response{RequestID: req.ID, Err: ErrUnavailable, Final: true}
	if req.slot != nil {
		s.finalizer.Delegate(context.Background(), req.slot, "", resp)
		return
	}
	s.deliver(req, resp)
}

// newPayloadLocked 用一个全新的、未初始化的 payload 替换当前 payload，
// 并重置饱和标记与下一个首选批大小。调用方必须持有 mu；旧的
// currentPayload 的 exec 锁不得在调用期间持有（NewScheduler/batcherLoop
// 已保证这一点）。
func (s *DynamicBatchScheduler) newPayloadLocked() {
	s.currentPayload = s.rateLimiter.GetPayload(s.model, nil)
	s.payloadSaturated = false
	s.nextPreferredBatchSize = 0
}

// batcherLoop 是后台批处理线程，实现 §4.4 的批处理循环伪代码。
func (s *DynamicBatchScheduler) batcherLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		wait, fired, rejected := s.batcherStep()

		for _, req := range rejected {
			s.respondUnavailable(req)
		}

		if fired != nil {
			// submitPayload blocks until the fired payload finishes executing
			// (EnqueuePayload -> breaker.Call -> execute). Running it inline
			// here would serialize the whole pipeline onto this one goroutine,
			// defeating the slot-based concurrency TokenBucketRateLimiter is
			// built to allow. Hand it off so batcherLoop can immediately go
			// back to assembling (and firing) the next payload while this one
			// is still in flight; wg tracks it so Shutdown still waits for
			// in-flight executions to finish draining.
			s.wg.Add(1)
			go func(p Payload) {
				defer s.wg.Done()
				s.submitPayload(p)
			}(fired)
		}

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// batcherStep 执行批处理循环的一次迭代：可能构造新 payload、决定等待
// 时长、提交一个填满的 payload（返回非 nil 供调用方在锁外提交）、并
// 收集本轮需要以 UNAVAILABLE 响应的拒绝请求。
func (s *DynamicBatchScheduler) batcherStep() (wait time.Duration, fired Payload, rejected []*Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, nil, nil
	}

	s.currentPayload.Lock()
	needsReplacement := s.payloadSaturated || s.currentPayload.GetState().stale()
	s.currentPayload.Unlock()
	if needsReplacement {
		s.newPayloadLocked()
	}

	switch {
	case s.debugDelayCount > 0:
		wait = 10 * time.Millisecond
		if s.queue.Size() >= s.debugDelayCount {
			s.debugDelayCount = 0
		}
		return wait, nil, nil

	case s.queue.Empty():
		return 500 * time.Millisecond, nil, nil

	case s.payloadSaturated:
		return 0, nil, nil
	}

	if !s.rateLimiter.PayloadSlotAvailable(s.model) {
		return 50 * time.Millisecond, nil, nil
	}

	s.currentPayload.Lock()

	if s.currentPayload.GetState().stale() {
		s.currentPayload.Unlock()
		return 0, nil, nil
	}

	waitUs := s.getDynamicBatch(s.now())
	wait = time.Duration(waitUs) * time.Microsecond
	rejected = s.queue.ReleaseRejectedRequests()
	s.reportQueueDepth()
	if s.metrics != nil {
		s.metrics.RecordBatchWait(s.model, wait)
	}

	n := s.queue.PendingBatchCount()
	if waitUs == 0 && n > 0 {
		s.currentPayload.ReserveRequests(n)
		for i := 0; i < n; i++ {
			req, err := s.queue.Dequeue()
			if err != nil {
				break
			}
			s.currentPayload.AddRequest(req)
		}
		if s.currentPayload.GetState() == PayloadUninitialized {
			s.currentPayload.SetState(PayloadReady)
		}
		s.queuedBatchSize -= s.pendingBatchSize
		s.pendingBatchSize = 0
		s.reportQueueDepth()

		if s.cfg.CustomBatch != nil {
			s.cfg.CustomBatch.Fini(s.currentPayload.UserData())
		}

		fired = s.currentPayload
	}
	s.currentPayload.Unlock()

	if fired != nil {
		// Detach the fired payload from currentPayload now, synchronously,
		// rather than waiting for submitPayload to do it after execution
		// completes. submitPayload runs asynchronously (see batcherLoop) so
		// that several payloads can be in flight at once; if currentPayload
		// still pointed at the fired payload in the meantime, the next
		// batcherStep call would keep appending newly-admitted requests to a
		// payload the execution engine is already concurrently reading.
		s.newPayloadLocked()
	}

	return wait, fired, rejected
}

// submitPayload 提交一个组装完毕的 payload。batcherStep 在返回这个 payload
// 之前已经把它从 currentPayload 摘下，因此这里不需要（也不应该）再去触碰
// currentPayload：batcherLoop 把它放进一个独立 goroutine 并发运行，调用期间
// 批处理线程可能早已在组装甚至提交下一个 payload。
func (s *DynamicBatchScheduler) submitPayload(payload Payload) {
	payload.Lock()
	payload.SetCallback(s.notify)
	payload.Unlock()

	if err := s.rateLimiter.EnqueuePayload(context.Background(), s.model, payload); err != nil {
		s.logger.Sugar().Warnw("payload submission failed", "error", err)
		payload.Lock()
		for _, req := range payload.Requests() {
			s.respondUnavailable(req)
		}
		payload.SetState(PayloadReleased)
		payload.Unlock()
	}
}

// DelegateResponse 是执行引擎为 payload 中的每个请求产生一次响应时应
// 调用的钩子：当保序或缓存被启用时通过完成队列排空，否则直接交付
// （对应 §4.5）。
func (s *DynamicBatchScheduler) DelegateResponse(ctx context.Context, req *Request, resp *Response) {
	if req.slot != nil {
		s.finalizer.Delegate(ctx, req.slot, req.CacheKey, resp)
		return
	}
	if s.cfg.ResponseCacheEnable && s.cache != nil && req.CacheKey != "" {
		if status, err := s.cache.Insert(ctx, req.CacheKey, resp); err != nil {
			s.logger.Sugar().Warnw("cache insert failed", "error", err)
		} else if status == CacheAlreadyExists {
			s.logger.Debug("cache insert raced with a concurrent writer", zap.String("key", req.CacheKey))
		}
	}
	s.deliver(req, resp)
}

// Shutdown 停止批处理线程并等待其退出；队列中尚未组批的请求会被以
// ErrUnavailable 响应。
func (s *DynamicBatchScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	var stranded []*Request
	for !s.queue.Empty() {
		req, err := s.queue.Dequeue()
		if err != nil {
			break
		}
		stranded = append(stranded, req)
	}
	stranded = append(stranded, s.queue.ReleaseRejectedRequests()...)
	s.mu.Unlock()

	close(s.stopCh)

	for _, req := range stranded {
		s.respondUnavailable(req)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Model 返回该调度器绑定的模型名称。
func (s *DynamicBatchScheduler) Model() string {
	return s.model
}

// Stopped 报告调度器是否已调用过 Shutdown。
func (s *DynamicBatchScheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// QueueStats 是 Stats 方法返回的队列深度快照，供 HTTP 流式端点与
// 指标采集复用，字段命名与 §6.1 stream 端点的 payload 一致。
type QueueStats struct {
	Model            string `json:"model"`
	QueuedBatchSize  uint64 `json:"queued_batch_size"`
	PendingBatchSize uint64 `json:"pending_batch_size"`
	PayloadSaturated bool   `json:"payload_saturated"`
}

// Stats 返回当前队列深度的即时快照。
func (s *DynamicBatchScheduler) Stats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return QueueStats{
		Model:            s.model,
		QueuedBatchSize:  s.queuedBatchSize,
		PendingBatchSize: s.pendingBatchSize,
		PayloadSaturated: s.payloadSaturated,
	}
}
