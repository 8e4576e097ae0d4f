package batch

import "sync"

// PayloadState 是 Payload 的生命周期状态机（对应 §3 Data Model）。
type PayloadState int

const (
	// PayloadUninitialized 是新建 payload 的初始状态：尚未提交给限流器。
	PayloadUninitialized PayloadState = iota
	// PayloadReady 表示已组装完毕，等待执行引擎取走。
	PayloadReady
	// PayloadExecuting 表示执行引擎已经开始处理；此后不可再扩展。
	PayloadExecuting
	// PayloadReleased 表示执行完成，请求已被释放。
	PayloadReleased
)

func (s PayloadState) String() string {
	switch s {
	case PayloadReady:
		return "READY"
	case PayloadExecuting:
		return "EXECUTING"
	case PayloadReleased:
		return "RELEASED"
	default:
		return "UNINITIALIZED"
	}
}

// stale 报告一个处于 EXECUTING 或 RELEASED 状态的 payload 是否"陈旧"：
// 调度器绝不能再扩展它，必须构造新的当前 payload。
func (s PayloadState) stale() bool {
	return s == PayloadExecuting || s == PayloadReleased
}

// RequiredEqualInputs 是从批次第一个请求惰性初始化出的形状/存在性指纹，
// 用于判定后续请求能否加入同一批次（对应 §4.2 MutableRequiredEqualInputs）。
type RequiredEqualInputs struct {
	initialized bool
	enforceSet  map[string]bool
	dims        map[string][]int64
	present     map[string]bool
}

// Initialize 从首个请求捕获必需的形状/类型签名。enforce 列出需要强制形状
// 一致的输入名称到"是否必需"的映射。可选输入的存在性掩码总会被记录，
// hasOptional 不影响这一行为。
func (e *RequiredEqualInputs) Initialize(req *Request, enforce map[string]bool, hasOptional bool) error {
	e.enforceSet = enforce
	e.dims = make(map[string][]int64, len(enforce))
	e.present = make(map[string]bool, len(enforce))
	for name := range enforce {
		shape, ok := req.InputShapes[name]
		if !ok {
			if enforce[name] {
				return ErrShapeMismatch
			}
			e.present[name] = false
			continue
		}
		e.dims[name] = shape.Dims
		e.present[name] = shape.Present
	}
	_ = hasOptional
	e.initialized = true
	return nil
}

// HasEqualInputs 判定 req 的张量沿强制维度与可选存在性掩码是否与已记录的
// 指纹一致。
func (e *RequiredEqualInputs) HasEqualInputs(req *Request) bool {
	if !e.initialized {
		return true
	}
	for name := range e.enforceSet {
		shape, ok := req.InputShapes[name]
		wantPresent := e.present[name]
		if ok != wantPresent && wantPresent {
			return false
		}
		if !ok {
			continue
		}
		if !equalDims(e.dims[name], shape.Dims) {
			return false
		}
	}
	return true
}

// Payload 是调度器依赖但不实现的契约（对应 §4.2）。执行引擎与限流器
// 实现该接口的具体后端；调度器只通过接口访问 payload。
type Payload interface {
	// AddRequest 将请求追加到 payload 的请求列表尾部。
	AddRequest(req *Request)
	// ReserveRequests 是一个优化提示，预留后续 n 次 AddRequest 的容量。
	ReserveRequests(n int)
	// BatchSize 返回当前 payload 中请求批大小之和。
	BatchSize() int
	// Requests 返回 payload 当前持有的请求列表（只读）。
	Requests() []*Request

	// Lock/Unlock 是 exec mutex：观察或修改状态、检查必需一致输入、调用
	// MarkSaturated 之前必须持有它。
	Lock()
	Unlock()

	// GetState/SetState 必须在持有 exec mutex 时调用。
	GetState() PayloadState
	SetState(PayloadState)

	// MutableRequiredEqualInputs 返回该 payload 的形状指纹对象。
	MutableRequiredEqualInputs() *RequiredEqualInputs

	// MarkSaturated 记录该 payload 不应再被扩展。
	MarkSaturated()
	// Saturated 报告 MarkSaturated 是否已被调用过。
	Saturated() bool

	// SetCallback 注册一个回调，在 payload 离开 EXECUTING/RELEASED 状态
	// 时被执行引擎调用，调度器借此重试限流槽位获取。
	SetCallback(fn func())

	// UserData 返回自定义组批钩子使用的不透明用户指针。
	UserData() any
	SetUserData(v any)
}

// defaultPayload 是 Payload 的一个简单内存实现，由默认的
// TokenBucketRateLimiter.GetPayload 返回。
type defaultPayload struct {
	mu       sync.Mutex
	requests []*Request
	state    PayloadState
	saturated bool
	fingerprint RequiredEqualInputs
	callback func()
	userData any
}

func newDefaultPayload() *defaultPayload {
	return &defaultPayload{state: PayloadUninitialized}
}

func (p *defaultPayload) AddRequest(req *Request) {
	p.requests = append(p.requests, req)
}

func (p *defaultPayload) ReserveRequests(n int) {
	if cap(p.requests)-len(p.requests) < n {
		grown := make([]*Request, len(p.requests), len(p.requests)+n)
		copy(grown, p.requests)
		p.requests = grown
	}
}

func (p *defaultPayload) BatchSize() int {
	total := 0
	for _, r := range p.requests {
		total += r.EffectiveBatchSize()
	}
	return total
}

func (p *defaultPayload) Requests() []*Request { return p.requests }

func (p *defaultPayload) Lock()   { p.mu.Lock() }
func (p *defaultPayload) Unlock() { p.mu.Unlock() }

func (p *defaultPayload) GetState() PayloadState { return p.state }

// SetState 更新状态并通知回调。执行引擎在状态每次变化时都应调用它，
// 这样调度器（通过其注册的回调）可以重新评估限流槽位是否可用——尤其是
// 在 payload 离开 EXECUTING 进入 RELEASED 时，一个执行槽位被释放。
func (p *defaultPayload) SetState(s PayloadState) {
	p.state = s
	if p.callback != nil {
		cb := p.callback
		go cb()
	}
}

func (p *defaultPayload) MutableRequiredEqualInputs() *RequiredEqualInputs {
	return &p.fingerprint
}

func (p *defaultPayload) MarkSaturated()   { p.saturated = true }
func (p *defaultPayload) Saturated() bool  { return p.saturated }

func (p *defaultPayload) SetCallback(fn func()) { p.callback = fn }

func (p *defaultPayload) UserData() any       { return p.userData }
func (p *defaultPayload) SetUserData(v any)   { p.userData = v }
