package batch

import "time"

// getDynamicBatch 实现 §4.3 的 GetDynamicBatch 决策算法：给定队列内容与
// 当前 payload，决定应触发的批大小与等待时间。
//
// 前置条件：调用方持有调度器的 mu（保护队列与待批计数）以及
// currentPayload 的 exec 锁（保护状态与形状指纹）；队列非空；当前 payload
// 非陈旧。返回值是微秒数：0 表示立即触发。
func (s *DynamicBatchScheduler) getDynamicBatch(now time.Time) uint64 {
	cfg := &s.cfg
	q := s.queue
	payload := s.currentPayload

	if !q.IsCursorValid() {
		q.ResetCursor()
		s.pendingBatchSize = 0
		if cfg.CustomBatch != nil {
			cfg.CustomBatch.Fini(payload.UserData())
			if err := cfg.CustomBatch.Init(payload.UserData()); err != nil {
				s.logger.Sugar().Warnw("custom batch init failed", "error", err)
			}
		}
	}

	s.queuedBatchSize -= q.ApplyPolicyAtCursor(now)

	shapeEnforced := len(cfg.EnforceEqualShapeTensors) > 0
	payloadBatchSize := payload.BatchSize()

	var bestPreferred int
	sendNow := false

	for !q.CursorEnd() {
		req := q.RequestAtCursor()
		r := req.EffectiveBatchSize()

		startingFresh := payloadBatchSize+q.PendingBatchCount() == 0
		if startingFresh {
			if shapeEnforced {
				fp := payload.MutableRequiredEqualInputs()
				if err := fp.Initialize(req, cfg.EnforceEqualShapeTensors, true); err != nil {
					sendNow = true
					break
				}
			}
		} else {
			if payloadBatchSize+int(s.pendingBatchSize)+r > maxPreferredBatchSize(cfg) && bestPreferred == 0 {
				bestPreferred = int(s.pendingBatchSize)
				q.MarkCursor()
				payload.MarkSaturated()
			}
			if payloadBatchSize+int(s.pendingBatchSize)+r > cfg.MaxBatchSize {
				sendNow = true
				break
			}
			if shapeEnforced && !payload.MutableRequiredEqualInputs().HasEqualInputs(req) {
				payload.MarkSaturated()
				sendNow = true
				break
			}
		}

		if cfg.CustomBatch != nil {
			if !cfg.CustomBatch.Include(payload.UserData(), req) {
				payload.MarkSaturated()
				sendNow = true
				break
			}
		}

		// commit：接受该请求进入待批批次。
		s.pendingBatchSize += uint64(r)
		q.AdvanceCursor()
		s.queuedBatchSize -= q.ApplyPolicyAtCursor(now)

		if isPreferredSize(cfg, payloadBatchSize+int(s.pendingBatchSize)) {
			bestPreferred = int(s.pendingBatchSize)
			q.MarkCursor()
		}
	}

	delay := now.Sub(q.OldestEnqueueTime())
	delayIsExceeded := cfg.MaxQueueDelay != 0 && delay >= cfg.MaxQueueDelay

	if bestPreferred > 0 && !delayIsExceeded {
		s.pendingBatchSize = uint64(bestPreferred)
		q.SetCursorToMark()
		if cfg.MaxQueueDelay == 0 {
			payload.MarkSaturated()
		}
		return 0
	}

	if q.PendingBatchCount() == 0 {
		return 0
	}

	if sendNow || payloadBatchSize+int(s.pendingBatchSize) >= maxPreferredBatchSize(cfg) {
		payload.MarkSaturated()
		return 0
	}

	if delayIsExceeded || cfg.MaxQueueDelay == 0 {
		return 0
	}

	s.nextPreferredBatchSize = nextPreferredAbove(cfg, payloadBatchSize+int(s.pendingBatchSize)) - payloadBatchSize

	if payloadBatchSize != 0 && !payload.Saturated() && !isPreferredSize(cfg, payloadBatchSize) {
		return 0
	}

	waitDur := cfg.MaxQueueDelay - delay
	if closest := q.ClosestTimeout(); !closest.IsZero() {
		if !now.After(closest) {
			if remaining := closest.Sub(now); remaining < waitDur {
				waitDur = remaining
			}
		} else {
			waitDur = time.Microsecond
		}
	}
	if waitDur < 0 {
		waitDur = 0
	}
	return uint64(waitDur.Microseconds())
}

// maxPreferredBatchSize 返回配置的首选批大小中的最大值；若未配置任何
// 首选大小，退化为 max_batch_size（即完全不设中间阈值）。
func maxPreferredBatchSize(cfg *SchedulerConfig) int {
	if len(cfg.PreferredBatchSizes) == 0 {
		return cfg.MaxBatchSize
	}
	max := cfg.PreferredBatchSizes[0]
	for _, v := range cfg.PreferredBatchSizes {
		if v > max {
			max = v
		}
	}
	return max
}

// isPreferredSize 报告 n 是否恰好等于某个配置的首选批大小。
func isPreferredSize(cfg *SchedulerConfig, n int) bool {
	for _, v := range cfg.PreferredBatchSizes {
		if v == n {
			return true
		}
	}
	return false
}

// nextPreferredAbove 返回严格大于 n 的最小首选批大小；若不存在，回绕到
// 最小的首选批大小；若首选集合为空则返回 0。
func nextPreferredAbove(cfg *SchedulerConfig, n int) int {
	if len(cfg.PreferredBatchSizes) == 0 {
		return 0
	}
	sizes := cfg.PreferredBatchSizes
	best := 0
	smallest := sizes[0]
	for _, v := range sizes {
		if v < smallest {
			smallest = v
		}
		if v > n && (best == 0 || v < best) {
			best = v
		}
	}
	if best == 0 {
		return smallest
	}
	return best
}
