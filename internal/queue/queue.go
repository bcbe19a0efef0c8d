package queue

import (
	"errors"
	"sync"

	"filler/internal/market"
)

// ErrClosed 表示队列已关闭，不再接受新的生产者写入。
var ErrClosed = errors.New("queue: closed")

const notifyBuffer = 64

// Queue 为待提交操作的 FIFO 缓冲；长度达到阈值时发出刷新通知。
type Queue struct {
	threshold int
	notify    chan struct{}

	mu     sync.Mutex
	items  []market.Operation
	closed bool
}

// New 创建阈值为 threshold 的队列。
func New(threshold int) *Queue {
	if threshold <= 0 {
		threshold = 1
	}
	return &Queue{
		threshold: threshold,
		notify:    make(chan struct{}, notifyBuffer),
	}
}

// Threshold 返回刷新阈值。
func (q *Queue) Threshold() int {
	return q.threshold
}

// Notify 返回刷新通知通道。通知可能重复，也可能在缓冲满时被合并。
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue 追加一个操作并返回追加后的长度。
func (q *Queue) Enqueue(op market.Operation) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	q.items = append(q.items, op)
	n := len(q.items)
	q.mu.Unlock()

	if n >= q.threshold {
		q.signal()
	}
	return n, nil
}

// PushBack 将操作按顺序追加到队尾，关闭后仍然可用，供失败批次回退与恢复使用。
func (q *Queue) PushBack(ops ...market.Operation) int {
	q.mu.Lock()
	q.items = append(q.items, ops...)
	n := len(q.items)
	q.mu.Unlock()

	if len(ops) > 0 && n >= q.threshold {
		q.signal()
	}
	return n
}

// Drain 移除并返回最多 max 个最早的操作。
func (q *Queue) Drain(max int) []market.Operation {
	if max <= 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 {
		return nil
	}
	if max < n {
		n = max
	}

	out := make([]market.Operation, n)
	copy(out, q.items[:n])

	remaining := copy(q.items, q.items[n:])
	clear(q.items[remaining:])
	q.items = q.items[:remaining]
	return out
}

// Len 返回当前长度。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot 返回当前内容的副本。
func (q *Queue) Snapshot() []market.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]market.Operation(nil), q.items...)
}

// Close 拒绝后续 Enqueue，可重复调用。
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed 报告队列是否已关闭。
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// signal 非阻塞地发送通知；缓冲已满说明已有未处理的唤醒。
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
