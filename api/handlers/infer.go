package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/BaSui01/inferbatch/internal/metrics"
	"github.com/BaSui01/inferbatch/llm/batch"
	"github.com/BaSui01/inferbatch/types"

	"go.uber.org/zap"
)

// =============================================================================
// 🚀 推理入队 Handler
// =============================================================================

// SchedulerLookup 按模型名称查找一个已就绪的调度器。找不到时返回 false，
// 由调用方决定如何响应（通常是 404）。
type SchedulerLookup func(model string) (*batch.DynamicBatchScheduler, bool)

// InferHandler 把 HTTP 请求转换为对应模型调度器的 Enqueue 调用。
type InferHandler struct {
	lookup         SchedulerLookup
	enqueueTimeout time.Duration
	collector      *metrics.Collector
	logger         *zap.Logger
}

// NewInferHandler 创建推理入队处理器。collector 为 nil 时跳过指标记录，
// 方便单元测试无需初始化 Prometheus 注册表即可构造 handler。
func NewInferHandler(lookup SchedulerLookup, enqueueTimeout time.Duration, collector *metrics.Collector, logger *zap.Logger) *InferHandler {
	return &InferHandler{
		lookup:         lookup,
		enqueueTimeout: enqueueTimeout,
		collector:      collector,
		logger:         logger,
	}
}

// InferRequest 是 POST /v1/models/{model}/infer 的请求体。Payload 是
// 不透明的调用方内容，直接转发给 batch.Request.Payload；调度器与执行
// 引擎均不关心其内部结构。
type InferRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
}

// InferResponse 是成功入队并完成执行后的响应体。
type InferResponse struct {
	RequestID string `json:"request_id"`
	Payload   any    `json:"payload"`
}

// HandleInfer 处理 POST /v1/models/{model}/infer。
func (h *InferHandler) HandleInfer(w http.ResponseWriter, r *http.Request, model string) {
	scheduler, ok := h.lookup(model)
	if !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.CodeInvalidArg, "unknown model: "+model, h.logger)
		return
	}

	var body InferRequest
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	var payload any
	if len(body.Payload) > 0 {
		if err := json.Unmarshal(body.Payload, &payload); err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, types.CodeInvalidArg, "invalid payload JSON", h.logger)
			return
		}
	}

	req := batch.NewRequest(payload, body.Priority)

	ctx := r.Context()
	if h.enqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.enqueueTimeout)
		defer cancel()
	}

	if h.collector != nil {
		h.collector.RecordRequestEnqueued(model)
	}

	resp, err := scheduler.Enqueue(ctx, req)
	if err != nil {
		h.recordRejection(model, err)
		writeInferError(w, err, h.logger)
		return
	}
	if resp.Err != nil {
		h.recordRejection(model, resp.Err)
		writeInferError(w, resp.Err, h.logger)
		return
	}

	WriteSuccess(w, InferResponse{
		RequestID: resp.RequestID,
		Payload:   resp.Payload,
	})
}

// recordRejection 把 llm/batch 的哨兵错误归类为一个简短的拒绝原因标签，
// 用于 requests_rejected_total 指标，标签基数固定为几个已知取值。
func (h *InferHandler) recordRejection(model string, err error) {
	if h.collector == nil {
		return
	}
	reason := "internal"
	switch {
	case errors.Is(err, batch.ErrCapacity):
		reason = "capacity"
	case errors.Is(err, batch.ErrUnavailable):
		reason = "unavailable"
	case errors.Is(err, batch.ErrInvalidPriority), errors.Is(err, batch.ErrShapeMismatch):
		reason = "invalid_arg"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	}
	h.collector.RecordRequestRejected(model, reason)
}

// writeInferError 把 llm/batch 的哨兵错误映射为对应的 types.ErrorCode。
func writeInferError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var apiErr *types.Error
	if errors.As(err, &apiErr) {
		WriteError(w, apiErr, logger)
		return
	}

	switch {
	case errors.Is(err, batch.ErrUnavailable):
		WriteError(w, types.NewError(types.CodeUnavailable, err.Error()).WithRetryable(true), logger)
	case errors.Is(err, batch.ErrCapacity):
		WriteError(w, types.NewError(types.CodeCapacity, err.Error()).WithRetryable(true), logger)
	case errors.Is(err, batch.ErrInvalidPriority), errors.Is(err, batch.ErrShapeMismatch):
		WriteError(w, types.NewError(types.CodeInvalidArg, err.Error()), logger)
	case errors.Is(err, context.DeadlineExceeded):
		WriteError(w, types.NewError(types.CodeUnavailable, "enqueue timed out").WithRetryable(true), logger)
	default:
		WriteError(w, types.NewError(types.CodeInternal, err.Error()), logger)
	}
}
