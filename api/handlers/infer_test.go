package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/llm/batch"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoExecute(s **batch.DynamicBatchScheduler) func(ctx context.Context, model string, payload batch.Payload) error {
	return func(ctx context.Context, model string, payload batch.Payload) error {
		payload.Lock()
		reqs := append([]*batch.Request(nil), payload.Requests()...)
		payload.Unlock()
		for _, r := range reqs {
			(*s).DelegateResponse(ctx, r, &batch.Response{RequestID: r.ID, Payload: "ok", Final: true})
		}
		payload.Lock()
		payload.SetState(batch.PayloadReleased)
		payload.Unlock()
		return nil
	}
}

func newTestScheduler(t *testing.T) *batch.DynamicBatchScheduler {
	t.Helper()
	var s *batch.DynamicBatchScheduler
	rl := batch.NewTokenBucketRateLimiter(4, 0, echoExecute(&s), zap.NewNop())
	cfg := batch.DefaultSchedulerConfig()
	cfg.MaxQueueDelay = 5 * time.Millisecond
	s = batch.NewScheduler("test-model", cfg, rl, nil, nil, zap.NewNop())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestInferHandler_HandleInfer_Success(t *testing.T) {
	sched := newTestScheduler(t)
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		if model == "test-model" {
			return sched, true
		}
		return nil, false
	}, time.Second, nil, zap.NewNop())

	body := `{"payload": {"prompt": "hello"}, "priority": 0}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
}

func TestInferHandler_HandleInfer_UnknownModel(t *testing.T) {
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return nil, false
	}, time.Second, nil, zap.NewNop())

	body := `{"payload": {"prompt": "hello"}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/missing/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "missing")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInferHandler_HandleInfer_StringPayloadIsValidJSON(t *testing.T) {
	sched := newTestScheduler(t)
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return sched, true
	}, time.Second, nil, zap.NewNop())

	body := `{"payload": "not-json{{{"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusOK, w.Code) // "not-json{{{" is a valid JSON string literal
}

func TestInferHandler_HandleInfer_MalformedBody(t *testing.T) {
	sched := newTestScheduler(t)
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return sched, true
	}, time.Second, nil, zap.NewNop())

	body := `{not valid json`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInferHandler_HandleInfer_RecordsMetricsWhenCollectorProvided(t *testing.T) {
	sched := newTestScheduler(t)
	collector := metrics.NewCollector("infer_handler_test", zap.NewNop())
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return sched, true
	}, time.Second, collector, zap.NewNop())

	body := `{"payload": {"prompt": "hello"}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), counterValue(t, "infer_handler_test_requests_enqueued_total", map[string]string{"model": "test-model"}))
}

func TestInferHandler_HandleInfer_RejectionRecordsUnavailableReason(t *testing.T) {
	sched := newTestScheduler(t)
	require.NoError(t, sched.Shutdown(context.Background()))

	collector := metrics.NewCollector("infer_handler_unavailable_test", zap.NewNop())
	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return sched, true
	}, time.Second, collector, zap.NewNop())

	body := `{"payload": {"prompt": "hello"}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, float64(1), counterValue(t, "infer_handler_unavailable_test_requests_rejected_total",
		map[string]string{"model": "test-model", "reason": "unavailable"}))
}

// counterValue sums the samples of the named counter family whose labels
// include every pair in want.
func counterValue(t *testing.T, name string, want map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if match {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestInferHandler_HandleInfer_SchedulerStoppedReturnsUnavailable(t *testing.T) {
	sched := newTestScheduler(t)
	require.NoError(t, sched.Shutdown(context.Background()))

	handler := NewInferHandler(func(model string) (*batch.DynamicBatchScheduler, bool) {
		return sched, true
	}, time.Second, nil, zap.NewNop())

	body := `{"payload": {"prompt": "hello"}}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/models/test-model/infer", bytes.NewBufferString(body))

	handler.HandleInfer(w, r, "test-model")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
