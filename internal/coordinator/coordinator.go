// Package coordinator 是编排核心的对外入口：接收研究请求、派发后台执行并汇报状态。
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/memory"
	"github.com/moix-hash/research-agent-system/internal/pipeline"
	"github.com/moix-hash/research-agent-system/internal/session"
	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 256
	defaultPollInterval = 50 * time.Millisecond
	defaultSweepEvery   = time.Minute
)

// SubmitRequest 是提交研究任务的参数。
type SubmitRequest = task.Request

// Coordinator 负责任务的提交、派发、取消与状态查询。
type Coordinator struct {
	registry *task.Registry
	runner   *pipeline.Runner
	sessions *session.Manager
	store    memory.Store
	queue    task.Queue
	workers  int
	sweep    time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithQueue 替换默认的内存派发队列。
func WithQueue(queue task.Queue) Option {
	return func(c *Coordinator) {
		if queue != nil {
			c.queue = queue
		}
	}
}

// WithWorkerCount 设置并发执行的流水线数量上限。
func WithWorkerCount(workers int) Option {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithSessions 配置会话管理器。
func WithSessions(sessions *session.Manager) Option {
	return func(c *Coordinator) { c.sessions = sessions }
}

// WithStore 配置需要汇报健康状况的存储。
func WithStore(store memory.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithSweepInterval 设置进程内存储清理过期记录的周期，非正数表示不清理。
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.sweep = d }
}

// New 创建 Coordinator。
func New(registry *task.Registry, runner *pipeline.Runner, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		runner:   runner,
		workers:  defaultWorkers,
		sweep:    defaultSweepEvery,
		cancels:  make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
		log:      logger.Component("coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.queue == nil {
		c.queue = task.NewMemoryQueue(defaultQueueSize)
	}
	return c
}

// Submit 创建任务并投递到派发队列，不等待执行。
//
// 请求校验失败时任务记为 failed，并同步返回任务 ID 与校验错误。投递失败只会让任务
// 失败，不会让 Submit 失败。
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if c.closed.Load() {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "coordinator 已关闭")
	}
	created, err := c.registry.Create(ctx, req)
	if err != nil {
		return "", err
	}

	if err := created.Request().Validate(); err != nil {
		c.fail(ctx, created.ID, &task.Failure{Code: task.CodeTaskValidation, Message: xerrors.MessageOf(err)})
		return created.ID, err
	}

	if created.SessionID != "" && c.sessions != nil {
		if _, err := c.sessions.GetOrCreate(ctx, created.SessionID); err != nil {
			c.log.Warn("初始化会话失败", slog.String("task_id", created.ID), slog.String("session_id", created.SessionID), slog.Any("error", err))
		}
	}

	if err := c.queue.Publish(context.WithoutCancel(ctx), created.ID); err != nil {
		wrapped := xerrors.Wrap(task.CodeTaskPublish, err, "任务投递失败", xerrors.WithTask(created.ID))
		c.log.Error("任务投递失败", slog.String("task_id", created.ID), slog.Any("error", wrapped))
		c.fail(context.WithoutCancel(ctx), created.ID, &task.Failure{Code: task.CodeTaskPublish, Message: wrapped.Error()})
		return created.ID, nil
	}

	logger.Audit().Info("任务已提交",
		slog.String("task_id", created.ID),
		slog.String("topic", created.Topic),
		slog.String("content_type", created.ContentType),
		slog.String("session_id", created.SessionID),
	)
	return created.ID, nil
}

func (c *Coordinator) fail(ctx context.Context, id string, failure *task.Failure) {
	if _, err := c.registry.Update(ctx, id, func(t *task.Task) error {
		t.Status = task.StatusFailed
		t.Error = failure
		return nil
	}); err != nil {
		c.log.Error("记录任务失败状态出错", slog.String("task_id", id), slog.Any("error", err))
	}
}

// GetStatus 返回任务当前状态。
func (c *Coordinator) GetStatus(ctx context.Context, id string) (*task.Task, error) {
	return c.registry.Get(ctx, id)
}

// ListTasks 返回任务列表，默认按创建时间倒序。
func (c *Coordinator) ListTasks(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error) {
	return c.registry.List(ctx, opts...)
}

// Cancel 请求取消任务。pending 任务立即失败；running 任务在下一个阶段边界失败，
// 正在进行的 worker 调用通过 context 中断。已结束的任务返回 ErrTaskTerminal。
func (c *Coordinator) Cancel(ctx context.Context, id string) (*task.Task, error) {
	updated, err := c.registry.Update(ctx, id, func(t *task.Task) error {
		t.CancelRequested = true
		if t.Status == task.StatusPending {
			t.Status = task.StatusFailed
			t.Error = &task.Failure{Code: task.CodeTaskCanceled, Message: "任务在执行前被取消"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cancel := c.cancels[id]
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	logger.Audit().Info("任务取消请求",
		slog.String("task_id", id),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}

// Purge 删除已结束的任务。
func (c *Coordinator) Purge(ctx context.Context, id string) error {
	return c.registry.Purge(ctx, id)
}

// WaitUntilTerminal 轮询直到任务进入终态或 ctx 结束。
func (c *Coordinator) WaitUntilTerminal(ctx context.Context, id string, interval time.Duration) (*task.Task, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		current, err := c.registry.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Start 恢复持久化任务并消费派发队列，阻塞直到 ctx 结束或队列关闭。
func (c *Coordinator) Start(ctx context.Context) error {
	if c.runner == nil || c.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "coordinator 未初始化")
	}
	if !c.started.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeConflict, "coordinator 已经启动")
	}
	defer close(c.done)

	pending, err := c.registry.Restore(ctx)
	if err != nil {
		c.log.Warn("恢复持久化任务失败", slog.Any("error", err))
	}
	if len(pending) > 0 {
		go c.redispatch(ctx, pending)
	}
	if sweeper, ok := c.store.(interface{ Sweep() int }); ok && c.sweep > 0 {
		go c.sweepLoop(ctx, sweeper)
	}

	c.log.Info("开始消费任务队列", slog.Int("workers", c.workers))
	err = c.queue.Consume(ctx, c.workers, c.handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) redispatch(ctx context.Context, pending []*task.Task) {
	for _, t := range pending {
		if err := c.queue.Publish(ctx, t.ID); err != nil {
			c.log.Error("重新派发任务失败", slog.String("task_id", t.ID), slog.Any("error", err))
			c.fail(context.WithoutCancel(ctx), t.ID, &task.Failure{Code: task.CodeTaskPublish, Message: err.Error()})
			continue
		}
		c.log.Info("重新派发任务", slog.String("task_id", t.ID))
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context, sweeper interface{ Sweep() int }) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sweeper.Sweep(); n > 0 {
				c.log.Debug("清理过期记录", slog.Int("count", n))
			}
		}
	}
}

// handle 是队列消费回调，一次运行一个任务直到终态。
func (c *Coordinator) handle(ctx context.Context, taskID string) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancels[taskID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancels, taskID)
		c.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	status, err := c.runner.Run(runCtx, taskID)
	if err != nil {
		if task.IsNotFound(err) {
			c.log.Debug("跳过不存在的任务", slog.String("task_id", taskID))
			return nil
		}
		return err
	}
	c.log.Debug("任务处理结束",
		slog.String("task_id", taskID),
		slog.String("status", string(status)),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// InFlight 返回正在执行的任务数量。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

// Close 停止接收新任务并等待正在执行的流水线结束。
func (c *Coordinator) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.queue.Close()
	if c.started.Load() {
		<-c.done
	}
	return err
}
