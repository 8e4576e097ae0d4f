package mocks

import (
	"context"
	"testing"

	"github.com/BaSui01/inferbatch/llm/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlotAccounting(t *testing.T) {
	rl := NewRateLimiter(1)
	assert.True(t, rl.PayloadSlotAvailable("m"))

	blockCh := make(chan struct{})
	doneCh := make(chan struct{})
	rl.Execute = func(ctx context.Context, model string, p batch.Payload) error {
		close(doneCh)
		<-blockCh
		return nil
	}

	p := rl.GetPayload("m", nil)
	go func() { _ = rl.EnqueuePayload(context.Background(), "m", p) }()
	<-doneCh

	assert.False(t, rl.PayloadSlotAvailable("m"))
	close(blockCh)
}

func TestRateLimiter_EnqueueErr(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.EnqueueErr = assert.AnError
	err := rl.EnqueuePayload(context.Background(), "m", rl.GetPayload("m", nil))
	require.Error(t, err)
}

func TestPayload_AddRequestAndState(t *testing.T) {
	p := newPayload()
	req := batch.NewRequest("x", 0)
	p.AddRequest(req)
	assert.Equal(t, 1, p.BatchSize())
	assert.Equal(t, batch.PayloadUninitialized, p.GetState())

	p.SetState(batch.PayloadReady)
	assert.Equal(t, batch.PayloadReady, p.GetState())

	p.SetUserData("meta")
	assert.Equal(t, "meta", p.UserData())

	assert.False(t, p.Saturated())
	p.MarkSaturated()
	assert.True(t, p.Saturated())
}
