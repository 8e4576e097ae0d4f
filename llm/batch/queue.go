package batch

import (
	"sort"
	"time"
)

// cursor 标记试探性选中的待批批次的边界（对应 §3/§9 的 (level_index,
// offset_within_level) 游标设计）。levelIdx 索引进 sortedLevels；游标
// "指向" 该层级内偏移 offset 处的请求，即该层级已被纳入待批的请求数。
type cursor struct {
	levelIdx int
	offset   int
}

// PriorityQueue 是一个从优先级层级到有序请求序列的映射，外加一个用于
// 在不出队的前提下试探性组装待批批次的单调游标（对应 §4.1）。
type PriorityQueue struct {
	cfg *SchedulerConfig

	levels       map[int][]*Request
	sortedLevels []int // 升序：数值越小优先级越高，最先耗尽

	// enqueueTime 记录每个尚在排队请求的入队时间，用于 OldestEnqueueTime。
	enqueueTime map[*Request]time.Time

	rejected []*Request

	cur         cursor
	curValid    bool
	mark        cursor
	markValid   bool
}

// NewPriorityQueue 构造一个空队列，策略来自 cfg。
func NewPriorityQueue(cfg *SchedulerConfig) *PriorityQueue {
	return &PriorityQueue{
		cfg:         cfg,
		levels:      make(map[int][]*Request),
		enqueueTime: make(map[*Request]time.Time),
	}
}

// Enqueue 将请求放入其优先级层级的尾部。当 priority_levels 非零且优先级
// 越界时返回 ErrInvalidPriority；在 REJECT 策略下层级已满时返回
// ErrCapacity。任何一次成功的 Enqueue 都会使游标失效。
func (q *PriorityQueue) Enqueue(now time.Time, req *Request) error {
	if q.cfg.PriorityLevels > 0 && (req.Priority < 0 || uint32(req.Priority) >= q.cfg.PriorityLevels) {
		return ErrInvalidPriority
	}

	policy := q.cfg.policyForLevel(req.Priority)
	existing := q.levels[req.Priority]
	if policy.TimeoutAction == TimeoutReject && policy.MaxQueueSize > 0 && len(existing) >= policy.MaxQueueSize {
		return ErrCapacity
	}

	if policy.MaxQueueDelay > 0 {
		delay := policy.MaxQueueDelay
		if policy.AllowTimeoutOverride && req.TimeoutOverride > 0 && req.TimeoutOverride < delay {
			delay = req.TimeoutOverride
		}
		req.deadline = now.Add(delay)
	}

	if _, ok := q.levels[req.Priority]; !ok {
		q.insertLevel(req.Priority)
	}
	q.levels[req.Priority] = append(q.levels[req.Priority], req)
	q.enqueueTime[req] = now

	q.invalidateCursor()
	return nil
}

func (q *PriorityQueue) insertLevel(priority int) {
	idx := sort.SearchInts(q.sortedLevels, priority)
	q.sortedLevels = append(q.sortedLevels, 0)
	copy(q.sortedLevels[idx+1:], q.sortedLevels[idx:])
	q.sortedLevels[idx] = priority
}

// Dequeue 移除最高非空优先级层级的头部请求。
func (q *PriorityQueue) Dequeue() (*Request, error) {
	for _, lvl := range q.sortedLevels {
		items := q.levels[lvl]
		if len(items) == 0 {
			continue
		}
		req := items[0]
		q.levels[lvl] = items[1:]
		delete(q.enqueueTime, req)
		q.invalidateCursor()
		return req, nil
	}
	return nil, ErrQueueEmpty
}

// Empty 报告队列（不含拒绝桶）是否为空。
func (q *PriorityQueue) Empty() bool { return q.Size() == 0 }

// Size 返回队列中排队请求的总数（不含拒绝桶）。
func (q *PriorityQueue) Size() int {
	total := 0
	for _, items := range q.levels {
		total += len(items)
	}
	return total
}

// invalidateCursor 使游标失效；任何 mutation 都必须调用它。
func (q *PriorityQueue) invalidateCursor() {
	q.curValid = false
}

// ResetCursor 将游标置于最高非空层级的头部。
func (q *PriorityQueue) ResetCursor() {
	q.cur = cursor{levelIdx: 0, offset: 0}
	q.curValid = true
	q.markValid = false
	q.seekCursor()
}

// seekCursor 跳过已耗尽（offset 达到该层级长度）的层级，将游标推进到
// 下一个仍有候选请求的层级；如果没有更多层级，levelIdx 停在
// len(sortedLevels)。
func (q *PriorityQueue) seekCursor() {
	for q.cur.levelIdx < len(q.sortedLevels) {
		lvl := q.sortedLevels[q.cur.levelIdx]
		if q.cur.offset < len(q.levels[lvl]) {
			return
		}
		q.cur.levelIdx++
		q.cur.offset = 0
	}
}

// IsCursorValid 报告游标自上次 mutation 以来是否仍然有效。
func (q *PriorityQueue) IsCursorValid() bool { return q.curValid }

// CursorEnd 为 true 当游标之下已没有更多候选（非拒绝）请求。
func (q *PriorityQueue) CursorEnd() bool {
	if !q.curValid {
		return true
	}
	return q.cur.levelIdx >= len(q.sortedLevels)
}

// RequestAtCursor 返回游标处的请求，不移动游标。
func (q *PriorityQueue) RequestAtCursor() *Request {
	if q.CursorEnd() {
		return nil
	}
	lvl := q.sortedLevels[q.cur.levelIdx]
	return q.levels[lvl][q.cur.offset]
}

// AdvanceCursor 将游标前移一个请求。
func (q *PriorityQueue) AdvanceCursor() {
	if q.CursorEnd() {
		return
	}
	q.cur.offset++
	q.seekCursor()
}

// MarkCursor 保存当前游标位置作为"最佳首选"标记。
func (q *PriorityQueue) MarkCursor() {
	q.mark = q.cur
	q.markValid = true
}

// SetCursorToMark 将游标恢复为上一次 MarkCursor 保存的位置。
func (q *PriorityQueue) SetCursorToMark() {
	if q.markValid {
		q.cur = q.mark
	}
}

// PendingBatchCount 返回每个层级头部到游标之间的请求数量。
func (q *PriorityQueue) PendingBatchCount() int {
	if !q.curValid {
		return 0
	}
	count := 0
	for i, lvl := range q.sortedLevels {
		items := q.levels[lvl]
		if i < q.cur.levelIdx {
			count += len(items)
		} else if i == q.cur.levelIdx {
			count += q.cur.offset
			break
		} else {
			break
		}
	}
	return count
}

// ApplyPolicyAtCursor 评估游标处及之后新超龄请求的超时策略，返回本次调用
// 期间被转入拒绝桶的请求的批大小之和，供调用方相应减少 queued_batch_size。
// DELAY 策略下的请求被跳过但保留在队列中供后续考虑。
//
// 范围严格限定在游标处及之后：游标之前的层级、以及游标所在层级中偏移量
// 小于 cur.offset 的请求已被组装循环试探性纳入待批批次，绝不能被本函数
// 触碰——否则对游标所在层级原地过滤会连带搬移这些已提交请求之后的元素，
// 使 cur.offset 错位指向一个从未经过形状/容量检查的请求。
func (q *PriorityQueue) ApplyPolicyAtCursor(now time.Time) uint64 {
	if !q.curValid {
		// 没有试探性提交任何请求，等价于从队首开始评估。
		q.ResetCursor()
	}

	var removedSize uint64

	for i, lvl := range q.sortedLevels {
		if i < q.cur.levelIdx {
			continue // 已提交进待批批次，不在本次评估范围内
		}
		policy := q.cfg.policyForLevel(lvl)
		if policy.MaxQueueDelay <= 0 {
			continue
		}

		items := q.levels[lvl]
		start := 0
		if i == q.cur.levelIdx {
			start = q.cur.offset
		}

		kept := items[:start]
		for _, req := range items[start:] {
			if !req.deadline.IsZero() && now.After(req.deadline) {
				if policy.TimeoutAction == TimeoutReject {
					removedSize += uint64(req.EffectiveBatchSize())
					q.rejected = append(q.rejected, req)
					delete(q.enqueueTime, req)
					continue
				}
				// DELAY：保留请求，但不再对其强制单独计时。
				req.deadline = time.Time{}
			}
			kept = append(kept, req)
		}
		q.levels[lvl] = kept
	}

	// 游标所在层级可能因为拒绝而耗尽到 offset 处，需要重新定位到下一个
	// 仍有候选请求的层级，与 AdvanceCursor 的收尾方式一致。
	q.seekCursor()

	return removedSize
}

// ReleaseRejectedRequests 将拒绝桶转交给调用方，调用方必须以超时错误响应
// 每一个请求。
func (q *PriorityQueue) ReleaseRejectedRequests() []*Request {
	out := q.rejected
	q.rejected = nil
	return out
}

// OldestEnqueueTime 返回当前排队（不含拒绝桶）请求中最早的入队时间。
func (q *PriorityQueue) OldestEnqueueTime() time.Time {
	var oldest time.Time
	for req, t := range q.enqueueTime {
		_ = req
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	return oldest
}

// ClosestTimeout 返回排队请求中最早的绝对截止时间；如果没有有限截止时间
// 则返回零值。
func (q *PriorityQueue) ClosestTimeout() time.Time {
	var closest time.Time
	for _, items := range q.levels {
		for _, req := range items {
			if req.deadline.IsZero() {
				continue
			}
			if closest.IsZero() || req.deadline.Before(closest) {
				closest = req.deadline
			}
		}
	}
	return closest
}
