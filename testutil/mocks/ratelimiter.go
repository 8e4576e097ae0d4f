package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/inferbatch/llm/batch"
)

// payload is a minimal batch.Payload implementation used by RateLimiter so
// tests can exercise scheduler wiring without depending on the unexported
// default payload type in llm/batch.
type payload struct {
	mu          sync.Mutex
	requests    []*batch.Request
	state       batch.PayloadState
	saturated   bool
	fingerprint batch.RequiredEqualInputs
	callback    func()
	userData    any
}

func newPayload() *payload { return &payload{state: batch.PayloadUninitialized} }

func (p *payload) AddRequest(req *batch.Request)   { p.requests = append(p.requests, req) }
func (p *payload) ReserveRequests(n int)           {}
func (p *payload) BatchSize() int                  { return len(p.requests) }
func (p *payload) Requests() []*batch.Request      { return p.requests }
func (p *payload) Lock()                           { p.mu.Lock() }
func (p *payload) Unlock()                         { p.mu.Unlock() }
func (p *payload) GetState() batch.PayloadState { return p.state }
func (p *payload) SetState(s batch.PayloadState) { p.state = s }
func (p *payload) MutableRequiredEqualInputs() *batch.RequiredEqualInputs { return &p.fingerprint }
func (p *payload) MarkSaturated()                                        { p.saturated = true }
func (p *payload) Saturated() bool                                       { return p.saturated }
func (p *payload) SetCallback(fn func())                                 { p.callback = fn }
func (p *payload) UserData() any                                         { return p.userData }
func (p *payload) SetUserData(v any)                                     { p.userData = v }

// RateLimiter is an in-memory batch.RateLimiter fake with a fixed slot
// budget and error injection, for tests that don't need the real token
// bucket / circuit breaker behavior of batch.TokenBucketRateLimiter.
type RateLimiter struct {
	mu    sync.Mutex
	slots map[string]int
	burst int

	Execute      func(ctx context.Context, model string, p batch.Payload) error
	EnqueueErr   error
}

// NewRateLimiter creates a fake rate limiter allowing burst concurrent
// slots per model.
func NewRateLimiter(burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{slots: make(map[string]int), burst: burst}
}

func (r *RateLimiter) GetPayload(model string, instance any) batch.Payload {
	return newPayload()
}

func (r *RateLimiter) EnqueuePayload(ctx context.Context, model string, p batch.Payload) error {
	if r.EnqueueErr != nil {
		return r.EnqueueErr
	}
	r.mu.Lock()
	r.slots[model]++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.slots[model]--
		r.mu.Unlock()
	}()
	if r.Execute != nil {
		return r.Execute(ctx, model, p)
	}
	return nil
}

func (r *RateLimiter) PayloadSlotAvailable(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[model] < r.burst
}
