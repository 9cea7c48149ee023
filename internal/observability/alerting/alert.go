// Package alerting 将需要人工关注的编排事件转换为告警，并投递到通知渠道。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/observability/events"
	"github.com/moix-hash/research-agent-system/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelLog     Channel = "log"
)

// Alert 描述一次需要告警的事件。
type Alert struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	TaskID     string            `json:"task_id,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Source     events.Kind       `json:"source"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Summary 返回单行的告警描述。
func (a Alert) Summary() string {
	text := fmt.Sprintf("[%s] %s", a.Severity, a.Code)
	if a.TaskID != "" {
		text += " task=" + a.TaskID
	}
	if a.Stage != "" {
		text += " stage=" + a.Stage
	}
	if a.Message != "" {
		text += ": " + a.Message
	}
	return text
}

// Notifier 负责将告警发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, alert Alert) error
}

// FanoutDispatcher 实现将告警投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将告警广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, alert Alert) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// Len 返回注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, alert Alert) error {
	logger.Audit().Warn("告警",
		slog.String("code", string(alert.Code)),
		slog.String("severity", string(alert.Severity)),
		slog.String("task_id", alert.TaskID),
		slog.String("stage", alert.Stage),
		slog.String("message", alert.Message),
	)
	return nil
}

// Sink 实现 events.Sink，筛选错误码带有告警属性的事件。
//
// 同一错误码在 throttle 时间内只告警一次。
type Sink struct {
	dispatcher *FanoutDispatcher
	throttle   time.Duration
	now        func() time.Time

	mu   sync.Mutex
	last map[xerrors.Code]time.Time
}

// SinkOption 定义 Sink 的可选配置。
type SinkOption func(*Sink)

// WithThrottle 设置同一错误码两次告警之间的最小间隔。
func WithThrottle(d time.Duration) SinkOption {
	return func(s *Sink) { s.throttle = d }
}

// WithClock 替换时间源，测试使用。
func WithClock(now func() time.Time) SinkOption {
	return func(s *Sink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSink 创建告警 Sink。
func NewSink(dispatcher *FanoutDispatcher, opts ...SinkOption) *Sink {
	s := &Sink{
		dispatcher: dispatcher,
		throttle:   time.Minute,
		now:        time.Now,
		last:       make(map[xerrors.Code]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Emit 实现 events.Sink。
func (s *Sink) Emit(ctx context.Context, event events.Event) error {
	alert, ok := toAlert(event)
	if !ok || !s.admit(alert.Code) {
		return nil
	}
	return s.dispatcher.Notify(ctx, alert)
}

func (s *Sink) admit(code xerrors.Code) bool {
	if s.throttle <= 0 {
		return true
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.last[code]; ok && now.Sub(last) < s.throttle {
		return false
	}
	s.last[code] = now
	return true
}

// toAlert 只接受失败的任务迁移与存储降级，且错误码注册了告警属性。
func toAlert(event events.Event) (Alert, bool) {
	switch event.Kind {
	case events.KindTaskTransition:
		if event.To != "failed" {
			return Alert{}, false
		}
	case events.KindStoreDegraded:
	default:
		return Alert{}, false
	}
	if event.Code == "" || !xerrors.AttributesOf(event.Code).Alert {
		return Alert{}, false
	}
	severity := event.Severity
	if severity == "" {
		severity = xerrors.AttributesOf(event.Code).Severity
	}
	return Alert{
		Code:       event.Code,
		Message:    event.Message,
		Severity:   severity,
		TaskID:     event.TaskID,
		Stage:      event.Stage,
		Source:     event.Kind,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt,
	}, true
}
