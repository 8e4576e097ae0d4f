// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 批处理指标
	queuedBatchSize    *prometheus.GaugeVec
	pendingBatchSize   *prometheus.GaugeVec
	batchSizeHistogram *prometheus.HistogramVec
	batchWaitDuration  *prometheus.HistogramVec
	payloadsFired      *prometheus.CounterVec
	requestsRejected   *prometheus.CounterVec
	requestsEnqueued   *prometheus.CounterVec

	// 缓存指标
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheLookupSeconds *prometheus.HistogramVec
	cacheInsertSeconds *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 批处理指标
	c.queuedBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_batch_size",
			Help:      "Number of requests currently sitting in the priority queue, per model",
		},
		[]string{"model"},
	)

	c.pendingBatchSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_batch_size",
			Help:      "Size of the batch the assembler is speculatively building, per model",
		},
		[]string{"model"},
	)

	c.batchSizeHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Distribution of assembled batch sizes handed to the rate limiter",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		},
		[]string{"model"},
	)

	c.batchWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_wait_duration_seconds",
			Help:      "Wait the batch assembler decided on before its next batching attempt",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"model"},
	)

	c.payloadsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_fired_total",
			Help:      "Total number of payloads handed off to the rate limiter",
		},
		[]string{"model"},
	)

	c.requestsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests that ended in an error, labelled by reason",
		},
		[]string{"model", "reason"},
	)

	c.requestsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_enqueued_total",
			Help:      "Total number of requests accepted into the scheduler",
		},
		[]string{"model"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	c.cacheLookupSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_lookup_duration_seconds",
			Help:      "Duration of Cache.Lookup calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cache_type"},
	)

	c.cacheInsertSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_insert_duration_seconds",
			Help:      "Duration of Cache.Insert calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"cache_type"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📦 批处理指标记录
// =============================================================================

// SetQueuedBatchSize 上报当前排队中的请求数
func (c *Collector) SetQueuedBatchSize(model string, size int) {
	c.queuedBatchSize.WithLabelValues(model).Set(float64(size))
}

// SetPendingBatchSize 上报当前正在试探性组装的批大小
func (c *Collector) SetPendingBatchSize(model string, size int) {
	c.pendingBatchSize.WithLabelValues(model).Set(float64(size))
}

// RecordBatchFired 记录一次批次被移交给限流器
func (c *Collector) RecordBatchFired(model string, size int) {
	c.batchSizeHistogram.WithLabelValues(model).Observe(float64(size))
	c.payloadsFired.WithLabelValues(model).Inc()
}

// RecordBatchWait 记录批处理线程在一次组批尝试后决定等待的时长（即
// getDynamicBatch 返回的等待），不是某个请求的实际排队时长
func (c *Collector) RecordBatchWait(model string, wait time.Duration) {
	c.batchWaitDuration.WithLabelValues(model).Observe(wait.Seconds())
}

// RecordRequestEnqueued 记录一次请求被调度器接受
func (c *Collector) RecordRequestEnqueued(model string) {
	c.requestsEnqueued.WithLabelValues(model).Inc()
}

// RecordRequestRejected 记录一次以错误结束的请求，reason 标明原因（如
// capacity、unavailable、invalid_arg、timeout、internal）
func (c *Collector) RecordRequestRejected(model, reason string) {
	c.requestsRejected.WithLabelValues(model, reason).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中，duration 为 Lookup 调用耗时
func (c *Collector) RecordCacheHit(cacheType string, duration time.Duration) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
	c.cacheLookupSeconds.WithLabelValues(cacheType).Observe(duration.Seconds())
}

// RecordCacheMiss 记录缓存未命中，duration 为 Lookup 调用耗时
func (c *Collector) RecordCacheMiss(cacheType string, duration time.Duration) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
	c.cacheLookupSeconds.WithLabelValues(cacheType).Observe(duration.Seconds())
}

// RecordCacheInsert 记录一次 Cache.Insert 调用耗时
func (c *Collector) RecordCacheInsert(cacheType string, duration time.Duration) {
	c.cacheInsertSeconds.WithLabelValues(cacheType).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
