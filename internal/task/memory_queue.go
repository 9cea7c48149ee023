package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// MemoryQueue 是进程内派发队列：投递追加到无界的 FIFO 积压中，从不阻塞，
// 并发度由 Consume 的工作协程数量限制。
type MemoryQueue struct {
	mu      sync.Mutex
	pending []string
	closed  bool
	ready   chan struct{}
	done    chan struct{}
	log     *slog.Logger
}

// NewMemoryQueue 创建一个内存队列，size 为积压的初始容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{
		pending: make([]string, 0, size),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger.Component("task.queue"),
	}
}

// Publish 将任务追加到积压并立即返回。队列关闭后返回 ErrQueueClosed。
func (q *MemoryQueue) Publish(_ context.Context, taskID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, taskID)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Len 返回尚未被消费的任务数量。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// next 取出下一个任务。队列关闭且积压为空，或 ctx 结束时返回 false。
func (q *MemoryQueue) next(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if n := len(q.pending); n > 0 {
			taskID := q.pending[0]
			q.pending[0] = ""
			q.pending = q.pending[1:]
			q.mu.Unlock()
			if n > 1 {
				q.wake()
			}
			return taskID, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return "", false
		}

		select {
		case <-ctx.Done():
			return "", false
		case <-q.ready:
		case <-q.done:
		}
	}
}

// Consume 启动指定数量的工作协程消费队列中的任务。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				taskID, ok := q.next(ctx)
				if !ok {
					return
				}
				if err := handler(ctx, taskID); err != nil {
					q.log.Warn("任务处理失败", slog.String("task_id", taskID), slog.Any("error", err))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列，积压中的任务仍会被消费完。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
