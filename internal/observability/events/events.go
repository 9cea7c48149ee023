// Package events 定义编排核心对外输出的可观测事件，以及将事件投递给
// 日志、指标、消息队列等下游的 Sink。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// Kind 表示事件类型，同时作为消息队列的 routing key。
type Kind string

const (
	KindTaskTransition Kind = "task.transition"
	KindStageOutcome   Kind = "stage.outcome"
	KindStoreDegraded  Kind = "store.degraded"
	KindStoreRecovered Kind = "store.recovered"
)

// Event 描述一次需要被外部采集的事件。
type Event struct {
	Kind       Kind              `json:"kind"`
	TaskID     string            `json:"task_id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	Duration   time.Duration     `json:"duration_ns,omitempty"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Severity   xerrors.Severity  `json:"severity,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink 接收事件。实现必须可以被并发调用。
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc 将普通函数适配为 Sink。
type SinkFunc func(ctx context.Context, event Event) error

// Emit 实现 Sink。
func (f SinkFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// Fanout 将事件广播给多个 Sink，单个 Sink 失败不影响其余投递。
type Fanout struct {
	sinks []Sink
}

// NewFanout 创建 Fanout，忽略 nil Sink。
func NewFanout(sinks ...Sink) *Fanout {
	set := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Fanout{sinks: set}
}

// Len 返回已注册的 Sink 数量。
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.sinks)
}

// Emit 将事件投递到全部 Sink。
func (f *Fanout) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, s := range f.sinks {
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Publish 补全事件时间后投递，投递失败只记录日志，不向调用方传播。
func Publish(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := sink.Emit(ctx, event); err != nil {
		logger.L().Warn("事件投递失败",
			slog.Any("error", err),
			slog.String("kind", string(event.Kind)),
			slog.String("task_id", event.TaskID),
		)
	}
}

// LogSink 将事件写入结构化日志。终态迁移与存储降级写入审计日志。
type LogSink struct{}

// Emit 实现 Sink。
func (LogSink) Emit(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("kind", string(event.Kind)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.Stage != "" {
		attrs = append(attrs, slog.String("stage", event.Stage))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}

	switch event.Kind {
	case KindTaskTransition:
		attrs = append(attrs, slog.String("from", event.From), slog.String("to", event.To))
		if isTerminalLabel(event.To) {
			logger.Audit().Info("任务进入终态", attrs...)
			return nil
		}
		logger.L().Debug("任务状态迁移", attrs...)
	case KindStageOutcome:
		attrs = append(attrs,
			slog.String("outcome", event.Outcome),
			slog.Int("attempts", event.Attempts),
			slog.Duration("duration", event.Duration),
		)
		if event.Outcome == "success" {
			logger.L().Info("阶段执行完成", attrs...)
			return nil
		}
		logger.L().Warn("阶段执行未成功", attrs...)
	case KindStoreDegraded:
		logger.Audit().Warn("存储后端降级为内存实现", attrs...)
	case KindStoreRecovered:
		logger.Audit().Info("存储后端恢复", attrs...)
	default:
		logger.L().Info("事件", attrs...)
	}
	return nil
}

func isTerminalLabel(status string) bool {
	switch status {
	case "completed", "failed", "partial":
		return true
	}
	return false
}

// Recorder 在内存中保存全部事件，供测试与诊断使用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit 实现 Sink。
func (r *Recorder) Emit(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本；kinds 为空时返回全部。
func (r *Recorder) Events(kinds ...Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if len(kinds) == 0 || containsKind(kinds, e.Kind) {
			out = append(out, e)
		}
	}
	return out
}

// ForTask 返回某个任务相关的事件。
func (r *Recorder) ForTask(taskID string, kinds ...Kind) []Event {
	var out []Event
	for _, e := range r.Events(kinds...) {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}
