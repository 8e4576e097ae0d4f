package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/internal/pool"
	"github.com/BaSui01/inferbatch/llm/batch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var engineNamespaceSeq uint64

func nextEngineNamespace() string {
	seq := atomic.AddUint64(&engineNamespaceSeq, 1)
	return fmt.Sprintf("engine_test_%d", seq)
}

func newTestSchedulerAndEngine(t *testing.T) (*batch.DynamicBatchScheduler, *EchoEngine) {
	t.Helper()
	p := pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig())
	t.Cleanup(p.Close)

	collector := metrics.NewCollector(nextEngineNamespace(), zap.NewNop())
	eng := NewEchoEngine(p, time.Millisecond, collector, zap.NewNop())

	var sched *batch.DynamicBatchScheduler
	rl := batch.NewTokenBucketRateLimiter(8, 0, NewExecuteFunc(eng, &sched), zap.NewNop())
	cfg := batch.DefaultSchedulerConfig()
	cfg.MaxQueueDelay = 5 * time.Millisecond
	sched = batch.NewScheduler("echo-model", cfg, rl, nil, nil, zap.NewNop())
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return sched, eng
}

func TestEchoEngine_EnqueueEchoesPayload(t *testing.T) {
	sched, _ := newTestSchedulerAndEngine(t)

	req := batch.NewRequest(map[string]any{"prompt": "hi"}, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := sched.Enqueue(ctx, req)
	require.NoError(t, err)
	require.NoError(t, resp.Err)

	echoed, ok := resp.Payload.(EchoResponse)
	require.True(t, ok, "expected EchoResponse, got %T", resp.Payload)
	assert.GreaterOrEqual(t, echoed.BatchSize, 1)
}

func TestEchoEngine_ConcurrentRequestsAllGetResponses(t *testing.T) {
	sched, _ := newTestSchedulerAndEngine(t)

	const n = 5
	results := make(chan *batch.Response, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			resp, err := sched.Enqueue(ctx, batch.NewRequest("x", 0))
			if err != nil {
				errs <- err
				return
			}
			results <- resp
		}()
	}

	sawBatched := false
	for i := 0; i < n; i++ {
		select {
		case resp := <-results:
			if echoed, ok := resp.Payload.(EchoResponse); ok && echoed.BatchSize > 1 {
				sawBatched = true
			}
		case err := <-errs:
			t.Fatalf("unexpected enqueue error: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}
	_ = sawBatched // batching is timing-dependent; absence doesn't indicate a bug
}
