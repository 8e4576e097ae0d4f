package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/inferbatch/types"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 队列状态流 Handler
// =============================================================================

// QueueStatsSource 返回某个模型当前的队列深度快照。
type QueueStatsSource func(model string) (any, bool)

// StreamHandler 通过 websocket 周期性推送队列深度快照，供运维面板订阅。
type StreamHandler struct {
	lookup   QueueStatsSource
	interval time.Duration
	logger   *zap.Logger
}

// NewStreamHandler 创建队列状态流处理器，interval 是推送周期。
func NewStreamHandler(lookup QueueStatsSource, interval time.Duration, logger *zap.Logger) *StreamHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &StreamHandler{lookup: lookup, interval: interval, logger: logger}
}

// HandleStream 处理 GET /v1/models/{model}/stream，升级为 websocket 连接
// 并周期性推送 batch.QueueStats 快照，直至客户端断开或请求上下文取消。
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request, model string) {
	if _, ok := h.lookup(model); !ok {
		WriteErrorMessage(w, http.StatusNotFound, types.CodeInvalidArg, "unknown model: "+model, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err), zap.String("model", model))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "request context done")
			return
		case <-ticker.C:
			stats, ok := h.lookup(model)
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "model removed")
				return
			}
			data, err := json.Marshal(stats)
			if err != nil {
				h.logger.Warn("failed to marshal queue stats", zap.Error(err))
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed, closing stream",
					zap.Error(err), zap.String("model", model))
				return
			}
		}
	}
}
