package batch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// completionSlot is one reserved position in the completion queue.
// pairs accumulate (response) entries in FIFO order until a Final response
// is observed, at which point the slot is popped.
type completionSlot struct {
	req   *Request
	pairs []*Response
}

// ResponseFinalizer 在要求保序时，按预约顺序耗尽完成队列（对应 §4.5）。
// 一个槽位在批组装时同步预约以固定顺序，之后由执行引擎异步填充。
type ResponseFinalizer struct {
	cqMu       sync.Mutex
	completion []*completionSlot

	finalizeMu sync.Mutex

	cache        Cache
	cacheEnabled bool

	emit   func(req *Request, resp *Response)
	logger *zap.Logger
}

// NewResponseFinalizer 构造一个完成队列。emit 是把最终确定的响应交付给
// 调用方（通常是写入 Request.respCh）的回调。
func NewResponseFinalizer(emit func(*Request, *Response), cache Cache, cacheEnabled bool, logger *zap.Logger) *ResponseFinalizer {
	return &ResponseFinalizer{
		cache:        cache,
		cacheEnabled: cacheEnabled,
		emit:         emit,
		logger:       logger,
	}
}

// Reserve 在完成队列尾部为 req 预约一个槽位，固定其响应的交付顺序。
func (f *ResponseFinalizer) Reserve(req *Request) *completionSlot {
	f.cqMu.Lock()
	defer f.cqMu.Unlock()
	slot := &completionSlot{req: req}
	f.completion = append(f.completion, slot)
	return slot
}

// Delegate 是执行引擎针对一个已预约槽位的请求产生响应时调用的委派：
// 如果启用缓存，先尝试写入缓存（ALREADY_EXISTS 不算错误，只记录日志），
// 然后把 (response) 追加到槽位，最后驱动一次 FinalizeResponses。
func (f *ResponseFinalizer) Delegate(ctx context.Context, slot *completionSlot, cacheKey string, resp *Response) {
	if f.cacheEnabled && f.cache != nil && cacheKey != "" {
		status, err := f.cache.Insert(ctx, cacheKey, resp)
		if err != nil {
			f.logger.Sugar().Warnw("cache insert failed", "key", cacheKey, "error", err)
		} else if status == CacheAlreadyExists {
			f.logger.Debug("cache insert raced with a concurrent writer", zap.String("key", cacheKey))
		}
	}

	f.cqMu.Lock()
	slot.pairs = append(slot.pairs, resp)
	f.cqMu.Unlock()

	f.FinalizeResponses()
}

// FinalizeResponses 获取序列化锁以保证并发委派下的严格保序交付，然后从
// 队首开始耗尽：非空的槽位按 FIFO 顺序抽取其响应；若其中包含 Final
// 响应，槽位被弹出；否则槽位被清空但原地保留（等待该请求的更多响应），
// 且必须停止排空更靠后的槽位以维持顺序保证。
func (f *ResponseFinalizer) FinalizeResponses() {
	f.finalizeMu.Lock()
	defer f.finalizeMu.Unlock()

	type emission struct {
		req  *Request
		resp *Response
	}
	var toEmit []emission

	f.cqMu.Lock()
	for len(f.completion) > 0 {
		head := f.completion[0]
		if len(head.pairs) == 0 {
			break
		}
		pairs := head.pairs
		head.pairs = nil

		hasFinal := false
		for _, p := range pairs {
			toEmit = append(toEmit, emission{req: head.req, resp: p})
			if p.Final {
				hasFinal = true
			}
		}
		if hasFinal {
			f.completion = f.completion[1:]
		}
	}
	f.cqMu.Unlock()

	for _, e := range toEmit {
		f.emit(e.req, e.resp)
	}
}
