package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*Response
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]*Response)} }

func (c *fakeCache) Hash(_ context.Context, req *Request) (string, error) {
	return req.Payload.(string), nil
}

func (c *fakeCache) Lookup(_ context.Context, key string) (*Response, CacheStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.entries[key]; ok {
		cp := *r
		return &cp, CacheOK, nil
	}
	return nil, CacheNotFound, nil
}

func (c *fakeCache) Insert(_ context.Context, key string, resp *Response) (CacheStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return CacheAlreadyExists, nil
	}
	cp := *resp
	c.entries[key] = &cp
	return CacheOK, nil
}

func TestResponseFinalizer_EmitsInReservationOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	emit := func(req *Request, resp *Response) {
		mu.Lock()
		order = append(order, req.ID)
		mu.Unlock()
	}

	f := NewResponseFinalizer(emit, nil, false, zap.NewNop())

	reqA := &Request{ID: "A"}
	reqB := &Request{ID: "B"}
	slotA := f.Reserve(reqA)
	slotB := f.Reserve(reqB)

	// B's response arrives first but must wait behind A's slot.
	f.Delegate(context.Background(), slotB, "", &Response{RequestID: "B", Final: true})
	assert.Empty(t, order)

	f.Delegate(context.Background(), slotA, "", &Response{RequestID: "A", Final: true})
	require.Len(t, order, 2)
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestResponseFinalizer_NonFinalResponseRetainsSlot(t *testing.T) {
	var emitted []*Response
	emit := func(_ *Request, resp *Response) { emitted = append(emitted, resp) }
	f := NewResponseFinalizer(emit, nil, false, zap.NewNop())

	req := &Request{ID: "A"}
	slot := f.Reserve(req)

	f.Delegate(context.Background(), slot, "", &Response{RequestID: "A", Payload: "chunk-1", Final: false})
	require.Len(t, emitted, 1)
	assert.False(t, emitted[0].Final)

	f.Delegate(context.Background(), slot, "", &Response{RequestID: "A", Payload: "chunk-2", Final: true})
	require.Len(t, emitted, 2)
	assert.True(t, emitted[1].Final)
}

func TestResponseFinalizer_CacheInsertOnMiss(t *testing.T) {
	cache := newFakeCache()
	var emitted []*Response
	emit := func(_ *Request, resp *Response) { emitted = append(emitted, resp) }
	f := NewResponseFinalizer(emit, cache, true, zap.NewNop())

	req := &Request{ID: "A", Payload: "req-a"}
	slot := f.Reserve(req)
	f.Delegate(context.Background(), slot, "req-a", &Response{RequestID: "A", Payload: "answer", Final: true})

	require.Len(t, emitted, 1)
	_, status, err := cache.Lookup(context.Background(), "req-a")
	require.NoError(t, err)
	assert.Equal(t, CacheOK, status)
}

func TestResponseFinalizer_AlreadyExistsIsNotAnError(t *testing.T) {
	cache := newFakeCache()
	_, err := cache.Insert(context.Background(), "k", &Response{Payload: "v1"})
	require.NoError(t, err)

	var emitted []*Response
	emit := func(_ *Request, resp *Response) { emitted = append(emitted, resp) }
	f := NewResponseFinalizer(emit, cache, true, zap.NewNop())

	req := &Request{ID: "A"}
	slot := f.Reserve(req)
	f.Delegate(context.Background(), slot, "k", &Response{RequestID: "A", Payload: "v2", Final: true})

	require.Len(t, emitted, 1)
	assert.Equal(t, "v2", emitted[0].Payload, "delegate must still emit its own response even when the cache write raced")
}
