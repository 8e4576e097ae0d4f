package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.queuedBatchSize)
	assert.NotNil(t, collector.pendingBatchSize)
	assert.NotNil(t, collector.batchSizeHistogram)
	assert.NotNil(t, collector.batchWaitDuration)
	assert.NotNil(t, collector.payloadsFired)
	assert.NotNil(t, collector.requestsRejected)
	assert.NotNil(t, collector.requestsEnqueued)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/test", 200, 50*time.Millisecond, 512, 1024)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_QueueGauges(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetQueuedBatchSize("gpt-4o-mini", 12)
	collector.SetPendingBatchSize("gpt-4o-mini", 4)

	assert.Equal(t, float64(12), testutil.ToFloat64(collector.queuedBatchSize.WithLabelValues("gpt-4o-mini")))
	assert.Equal(t, float64(4), testutil.ToFloat64(collector.pendingBatchSize.WithLabelValues("gpt-4o-mini")))
}

func TestCollector_RecordBatchFired(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordBatchFired("gpt-4o-mini", 8)
	collector.RecordBatchFired("gpt-4o-mini", 16)

	assert.Equal(t, float64(2), testutil.ToFloat64(collector.payloadsFired.WithLabelValues("gpt-4o-mini")))

	count := testutil.CollectAndCount(collector.batchSizeHistogram)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordBatchWait(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordBatchWait("gpt-4o-mini", 15*time.Millisecond)

	count := testutil.CollectAndCount(collector.batchWaitDuration)
	assert.Greater(t, count, 0)
}

func TestCollector_RequestsEnqueuedAndRejected(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRequestEnqueued("gpt-4o-mini")
	collector.RecordRequestRejected("gpt-4o-mini", "queue_full")
	collector.RecordRequestRejected("gpt-4o-mini", "timeout")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.requestsEnqueued.WithLabelValues("gpt-4o-mini")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.requestsRejected.WithLabelValues("gpt-4o-mini", "queue_full")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.requestsRejected.WithLabelValues("gpt-4o-mini", "timeout")))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCacheHit("redis", 2*time.Millisecond)
	collector.RecordCacheMiss("redis", 3*time.Millisecond)
	collector.RecordCacheInsert("redis", 4*time.Millisecond)

	hitCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, hitCount, 0)

	missCount := testutil.CollectAndCount(collector.cacheMisses)
	assert.Greater(t, missCount, 0)

	lookupCount := testutil.CollectAndCount(collector.cacheLookupSeconds)
	assert.Greater(t, lookupCount, 0)

	insertCount := testutil.CollectAndCount(collector.cacheInsertSeconds)
	assert.Greater(t, insertCount, 0)
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordBatchFired("gpt-4o-mini", 4)
			collector.RecordCacheHit("redis", time.Millisecond)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)

	batchCount := testutil.CollectAndCount(collector.batchSizeHistogram)
	assert.Greater(t, batchCount, 0)

	cacheCount := testutil.CollectAndCount(collector.cacheHits)
	assert.Greater(t, cacheCount, 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()

	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 0, 0)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
