// Package errors 提供研究流水线统一的错误码与错误类型。
//
// 每个错误码带有默认的告警、重试与严重程度属性。各业务包在 init 中通过 Register
// 登记自己的错误码（例如 TASK_*、SESSION_*、STAGE_*），流水线据此判断阶段失败是否
// 可重试，告警模块据此决定是否发出通知。
package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于事件上报与审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
)

// 元数据中约定的键，日志、事件与 API 错误体共用。
const (
	KeyTask    = "task_id"
	KeyStage   = "stage"
	KeySession = "session_id"
)

var (
	registryMu sync.RWMutex
	// 存储与队列故障会让当前阶段尝试失败，但通常在 Redis 恢复后即可重试。
	registry = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
		CodeCanceled:              {Message: "operation canceled", Severity: SeverityInfo},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// Registered 返回当前已注册的全部错误码，按字典序排列。
func Registered() []Code {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return slices.Sorted(maps.Keys(registry))
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
//
// 属性在读取时才从注册表解析，包级哨兵错误可以先于所属包的 init 注册创建。
type Error struct {
	code     Code
	message  string
	cause    error
	override override
	metadata map[string]string
}

// override 记录 Option 对注册属性的逐项覆盖。
type override struct {
	retryable *bool
	alert     *bool
	severity  Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，空值会被忽略。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if key == "" || value == "" {
			return
		}
		if e.metadata == nil {
			e.metadata = make(map[string]string, 2)
		}
		e.metadata[key] = value
	}
}

// WithTask 标记错误所属的任务。
func WithTask(id string) Option { return WithMetadata(KeyTask, id) }

// WithStage 标记出错的流水线阶段。
func WithStage(stage string) Option { return WithMetadata(KeyStage, stage) }

// WithSession 标记错误关联的会话。
func WithSession(id string) Option { return WithMetadata(KeySession, id) }

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.override.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.override.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.override.severity = sev }
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口，格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，使 errors.Is 能匹配链上任意位置的同码错误。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与底层原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// TaskID 返回错误所属的任务，未标记时为空。
func (e *Error) TaskID() string {
	if e == nil {
		return ""
	}
	return e.metadata[KeyTask]
}

// Stage 返回出错的阶段，未标记时为空。
func (e *Error) Stage() string {
	if e == nil {
		return ""
	}
	return e.metadata[KeyStage]
}

// Attributes 返回注册属性叠加 Option 覆盖后的结果。
func (e *Error) Attributes() Attributes {
	if e == nil {
		return Attributes{Severity: SeverityInfo}
	}
	attr := AttributesOf(e.code)
	if e.override.retryable != nil {
		attr.Retryable = *e.override.retryable
	}
	if e.override.alert != nil {
		attr.Alert = *e.override.alert
	}
	if e.override.severity != "" {
		attr.Severity = e.override.severity
	}
	return attr
}

func (e *Error) Retryable() bool   { return e.Attributes().Retryable }
func (e *Error) ShouldAlert() bool { return e.Attributes().Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if sev := e.Attributes().Severity; sev != "" {
		return sev
	}
	return SeverityInfo
}

// LogValue 让 slog 以分组形式输出错误码、描述、元数据与底层原因。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := make([]slog.Attr, 0, 4+len(e.metadata))
	attrs = append(attrs,
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
		slog.String("severity", string(e.Severity())),
	)
	for _, key := range slices.Sorted(maps.Keys(e.metadata)) {
		attrs = append(attrs, slog.String(key, e.metadata[key]))
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// From 尝试从 error 链中解析统一错误类型，返回最外层的一个。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。context 的取消与超时会被映射为对应的通用错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	switch {
	case err == nil:
		return ""
	case stdErrors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case stdErrors.Is(err, context.Canceled):
		return CodeCanceled
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。未分类的超时视为可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return stdErrors.Is(err, context.DeadlineExceeded)
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return err != nil
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// MessageOf 返回适合展示给调用方的错误描述。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok && e.cause == nil {
		return e.message
	}
	return err.Error()
}
