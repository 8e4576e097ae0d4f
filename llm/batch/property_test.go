package batch

import (
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestProperty_PriorityQueue_SizeMatchesEnqueuedMinusDequeued 校验：任意
// 一串 enqueue/dequeue 操作后，Size() 始终等于成功入队请求数减去成功出队
// 请求数（拒绝桶不计入，对应 §8 "queued_batch_size" 不变式的简化版本，
// 这里以请求计数而非批大小验证同一账本关系）。
func TestProperty_PriorityQueue_SizeMatchesEnqueuedMinusDequeued(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultSchedulerConfig()
		cfg.PriorityLevels = 4
		q := NewPriorityQueue(&cfg)
		now := time.Now()

		enqueued, dequeued := 0, 0
		steps := rapid.IntRange(1, 50).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if rapid.Bool().Draw(rt, "doEnqueue") {
				priority := rapid.IntRange(0, 3).Draw(rt, "priority")
				if err := q.Enqueue(now, NewRequest(i, priority)); err == nil {
					enqueued++
				}
			} else {
				if _, err := q.Dequeue(); err == nil {
					dequeued++
				}
			}
			if q.Size() != enqueued-dequeued {
				rt.Fatalf("size invariant broken: got %d, want %d", q.Size(), enqueued-dequeued)
			}
		}
	})
}

// TestProperty_PriorityQueue_DequeueNeverReordersWithinLevel 校验：同一
// 优先级层级内的出队顺序永远是入队顺序（FIFO），无论其他层级发生了
// 什么插入。
func TestProperty_PriorityQueue_DequeueNeverReordersWithinLevel(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultSchedulerConfig()
		cfg.PriorityLevels = 2
		q := NewPriorityQueue(&cfg)
		now := time.Now()

		var levelZeroOrder []int
		n := rapid.IntRange(1, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			priority := rapid.IntRange(0, 1).Draw(rt, "priority")
			req := NewRequest(i, priority)
			if err := q.Enqueue(now, req); err != nil {
				rt.Fatalf("unexpected enqueue error: %v", err)
			}
			if priority == 0 {
				levelZeroOrder = append(levelZeroOrder, i)
			}
		}

		var seenZero []int
		for {
			req, err := q.Dequeue()
			if err != nil {
				break
			}
			if req.Priority == 0 {
				seenZero = append(seenZero, req.Payload.(int))
			}
		}

		if len(seenZero) != len(levelZeroOrder) {
			rt.Fatalf("lost or gained level-0 requests: got %d, want %d", len(seenZero), len(levelZeroOrder))
		}
		for i := range seenZero {
			if seenZero[i] != levelZeroOrder[i] {
				rt.Fatalf("level-0 FIFO order violated at index %d: got %d, want %d", i, seenZero[i], levelZeroOrder[i])
			}
		}
	})
}

// TestProperty_GetDynamicBatch_NeverExceedsMaxBatchSize 校验：无论请求数量
// 与首选批大小配置如何组合，只要 getDynamicBatch 决定立即触发
// （返回 0），提交批次的大小永远不超过 max_batch_size（对应 §8 的核心
// 不变式）。
func TestProperty_GetDynamicBatch_NeverExceedsMaxBatchSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxBatch := rapid.IntRange(1, 32).Draw(rt, "maxBatch")
		numPreferred := rapid.IntRange(0, 3).Draw(rt, "numPreferred")
		preferred := make([]int, 0, numPreferred)
		for i := 0; i < numPreferred; i++ {
			preferred = append(preferred, rapid.IntRange(1, maxBatch).Draw(rt, "preferred"))
		}

		cfg := SchedulerConfig{
			MaxBatchSize:        maxBatch,
			PreferredBatchSizes: preferred,
			MaxQueueDelay:       0,
		}
		s := newTestScheduler(cfg)
		now := time.Now()

		numRequests := rapid.IntRange(1, 40).Draw(rt, "numRequests")
		for i := 0; i < numRequests; i++ {
			if err := s.queue.Enqueue(now, NewRequest(i, 0)); err != nil {
				rt.Fatalf("unexpected enqueue error: %v", err)
			}
			s.queuedBatchSize++
		}

		s.currentPayload.Lock()
		waitUs := s.getDynamicBatch(now)
		s.currentPayload.Unlock()

		if waitUs == 0 {
			total := s.currentPayload.BatchSize() + int(s.pendingBatchSize)
			if total > maxBatch {
				rt.Fatalf("fired batch of size %d exceeds max_batch_size %d", total, maxBatch)
			}
		}
	})
}
