package task

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// Registry 持有任务的权威记录并负责状态机校验。
//
// 索引 map 由一把读写锁保护，每个任务另有独立互斥锁，不同任务的更新互不阻塞。
// 对外返回的 Task 都是副本。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     atomic.Uint64

	repo  Repository
	sink  events.Sink
	now   func() time.Time
	newID func() string
	log   *slog.Logger
}

type entry struct {
	mu      sync.Mutex
	task    *Task
	seq     uint64
	removed bool
}

// RegistryOption 定义可选配置。
type RegistryOption func(*Registry)

// WithRepository 配置持久化仓库，每次变更后同步写入。
func WithRepository(repo Repository) RegistryOption {
	return func(r *Registry) { r.repo = repo }
}

// WithEventSink 配置状态迁移事件的接收方。
func WithEventSink(sink events.Sink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator 替换任务 ID 生成函数。
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRegistry 创建 Registry。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
		newID:   uuid.NewString,
		log:     logger.Component("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Create 以 pending 状态登记新任务并立即返回，不做请求校验。
func (r *Registry) Create(ctx context.Context, req Request) (*Task, error) {
	req = req.Normalize()
	now := r.now().UTC()
	t := &Task{
		ID:          r.newID(),
		SessionID:   req.SessionID,
		Topic:       req.Topic,
		ContentType: req.ContentType,
		Tone:        req.Tone,
		Length:      req.Length,
		Depth:       req.Depth,
		Status:      StatusPending,
		Stages:      []StageResult{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	if _, exists := r.entries[t.ID]; exists {
		r.mu.Unlock()
		return nil, xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "任务 ID 重复",
			xerrors.WithTask(t.ID))
	}
	e := &entry{task: t, seq: r.seq.Add(1)}
	e.mu.Lock()
	r.entries[t.ID] = e
	r.mu.Unlock()

	r.persist(ctx, t)
	r.emitTransition(ctx, "", t)
	out := t.Clone()
	e.mu.Unlock()
	return out, nil
}

// Update 对任务执行原子的读-改-写。
//
// mutate 作用于私有副本；mutate 返回错误、状态迁移非法、阶段记录被改写或任务
// 已处于终态时，存储中的任务保持不变。
func (r *Registry) Update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, notFound(id)
	}
	current := e.task
	if current.Status.Terminal() {
		e.mu.Unlock()
		return nil, xerrors.Wrap(CodeTaskTerminal, ErrTaskTerminal, "任务已处于终态",
			xerrors.WithTask(id), xerrors.WithMetadata("status", string(current.Status)))
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := checkMutation(current, next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.UpdatedAt = r.now().UTC()
	e.task = next
	// 持久化与事件在任务锁内完成，保证同一任务的写入顺序。
	r.persist(ctx, next)
	if next.Status != current.Status {
		r.emitTransition(ctx, current.Status, next)
	}
	out := next.Clone()
	e.mu.Unlock()
	return out, nil
}

func checkMutation(current, next *Task) error {
	switch {
	case next.ID != current.ID,
		!next.CreatedAt.Equal(current.CreatedAt),
		next.Topic != current.Topic,
		next.SessionID != current.SessionID:
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "任务的标识字段不可修改",
			xerrors.WithTask(current.ID))
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "非法的状态迁移",
			xerrors.WithTask(current.ID),
			xerrors.WithMetadata("from", string(current.Status)),
			xerrors.WithMetadata("to", string(next.Status)))
	}
	if len(next.Stages) < len(current.Stages) {
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "阶段记录只能追加",
			xerrors.WithTask(current.ID))
	}
	for i, s := range current.Stages {
		if next.Stages[i].Stage != s.Stage || next.Stages[i].Status != s.Status || !next.Stages[i].FinishedAt.Equal(s.FinishedAt) {
			return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "阶段记录只能追加",
				xerrors.WithTask(current.ID))
		}
	}
	return nil
}

// Get 返回任务副本。
func (r *Registry) Get(_ context.Context, id string) (*Task, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, notFound(id)
	}
	return e.task.Clone(), nil
}

// List 返回满足条件的任务，默认按创建时间倒序。
func (r *Registry) List(_ context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)

	type item struct {
		task *Task
		seq  uint64
	}
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	items := make([]item, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.removed && options.matches(e.task) {
			items = append(items, item{task: e.task.Clone(), seq: e.seq})
		}
		e.mu.Unlock()
	}

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
			if options.Order == SortByCreatedAsc {
				return a.task.CreatedAt.Before(b.task.CreatedAt)
			}
			return a.task.CreatedAt.After(b.task.CreatedAt)
		}
		if options.Order == SortByCreatedAsc {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})

	if options.Offset >= len(items) {
		return []*Task{}, nil
	}
	items = items[options.Offset:]
	if options.Limit > 0 && len(items) > options.Limit {
		items = items[:options.Limit]
	}
	out := make([]*Task, len(items))
	for i, it := range items {
		out[i] = it.task
	}
	return out, nil
}

// Stats 统计各状态的任务数量。
func (r *Registry) Stats(_ context.Context) Stats {
	stats := newStats()
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	for _, e := range snapshot {
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		status, created := e.task.Status, e.task.CreatedAt
		e.mu.Unlock()

		stats.Total++
		stats.ByStatus[status]++
		if stats.OldestCreated.IsZero() || created.Before(stats.OldestCreated) {
			stats.OldestCreated = created
		}
		if created.After(stats.NewestCreated) {
			stats.NewestCreated = created
		}
	}
	return stats
}

// Purge 删除已进入终态的任务。
func (r *Registry) Purge(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return notFound(id)
	}
	if !e.task.Status.Terminal() {
		status := e.task.Status
		e.mu.Unlock()
		return xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, "只能清除已结束的任务",
			xerrors.WithTask(id), xerrors.WithMetadata("status", string(status)))
	}
	e.removed = true
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	if r.repo != nil {
		if err := r.repo.Delete(ctx, id); err != nil && !IsNotFound(err) {
			r.log.Warn("删除持久化任务失败", slog.String("task_id", id), slog.Any("error", err))
		}
	}
	return nil
}

// Restore 从仓库加载任务。处于 running 的任务随进程重启中断，标记为 failed；
// 返回仍处于 pending、需要重新派发的任务。
func (r *Registry) Restore(ctx context.Context) ([]*Task, error) {
	if r.repo == nil {
		return nil, nil
	}
	loaded, err := r.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })

	var pending []*Task
	interrupted := 0
	for _, t := range loaded {
		if t == nil || t.ID == "" || !IsValidStatus(t.Status) {
			continue
		}
		if t.Status == StatusRunning {
			t.Status = StatusFailed
			t.Error = &Failure{
				Code:    CodeTaskInterrupted,
				Message: "任务执行期间进程重启",
				Stage:   t.CurrentStage,
			}
			t.UpdatedAt = r.now().UTC()
			interrupted++
		}

		r.mu.Lock()
		if _, exists := r.entries[t.ID]; exists {
			r.mu.Unlock()
			continue
		}
		r.entries[t.ID] = &entry{task: t.Clone(), seq: r.seq.Add(1)}
		r.mu.Unlock()

		if t.Error != nil && t.Error.Code == CodeTaskInterrupted {
			r.persist(ctx, t)
			r.emitTransition(ctx, StatusRunning, t)
		}
		if t.Status == StatusPending {
			pending = append(pending, t.Clone())
		}
	}
	r.log.Info("已恢复持久化任务",
		slog.Int("total", len(loaded)),
		slog.Int("pending", len(pending)),
		slog.Int("interrupted", interrupted),
	)
	return pending, nil
}

// Len 返回登记的任务数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

func (r *Registry) persist(ctx context.Context, t *Task) {
	if r.repo == nil {
		return
	}
	if err := r.repo.Save(ctx, t); err != nil {
		r.log.Warn("持久化任务失败",
			slog.String("task_id", t.ID),
			slog.String("status", string(t.Status)),
			slog.Any("error", err),
		)
	}
}

func (r *Registry) emitTransition(ctx context.Context, from Status, t *Task) {
	event := events.Event{
		Kind:       events.KindTaskTransition,
		TaskID:     t.ID,
		From:       string(from),
		To:         string(t.Status),
		Stage:      string(t.CurrentStage),
		OccurredAt: t.UpdatedAt,
	}
	if t.Error != nil {
		event.Code = t.Error.Code
		event.Message = t.Error.Message
		event.Severity = xerrors.AttributesOf(t.Error.Code).Severity
	}
	events.Publish(ctx, r.sink, event)
}

func notFound(id string) error {
	return xerrors.Wrap(CodeTaskNotFound, ErrTaskNotFound, "task not found",
		xerrors.WithTask(id))
}
