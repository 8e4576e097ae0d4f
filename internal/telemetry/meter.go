package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/BaSui01/inferbatch/http"

// RequestMeter records HTTP-request-level OTel metrics (counters, a
// duration histogram, an in-flight gauge) alongside the Prometheus metrics
// internal/metrics.Collector already exposes on /metrics. The two are
// complementary exporters of overlapping data, not a replacement for one
// another: Prometheus is pulled locally, OTel metrics are pushed to
// whatever OTLP collector cfg.Telemetry.OTLPEndpoint points at.
type RequestMeter struct {
	requestTotal    metric.Int64Counter
	requestDuration metric.Float64Histogram
	activeRequests  metric.Int64UpDownCounter
}

// NewRequestMeter registers the HTTP request instruments against the
// global MeterProvider. Safe to call even when telemetry is disabled —
// it then registers against the global noop meter and every recorded
// measurement is simply discarded.
func NewRequestMeter() (*RequestMeter, error) {
	meter := otel.Meter(instrumentationName)

	m := &RequestMeter{}
	var err error

	m.requestTotal, err = meter.Int64Counter("http.server.request.total",
		metric.WithDescription("Total number of HTTP requests handled"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		return nil, err
	}

	m.activeRequests, err = meter.Int64UpDownCounter("http.server.request.active",
		metric.WithDescription("Number of in-flight HTTP requests"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// StartRequest marks a request as in-flight. Call EndRequest with the
// returned start time once the handler chain completes.
func (m *RequestMeter) StartRequest(ctx context.Context, method, route string) time.Time {
	m.activeRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		))
	return time.Now()
}

// EndRequest records the completed request's duration and decrements the
// in-flight counter.
func (m *RequestMeter) EndRequest(ctx context.Context, method, route string, status int, start time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	}

	m.activeRequests.Add(ctx, -1,
		metric.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		))
	m.requestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
