// Package memory 提供键值记录存储抽象：进程内实现、Redis 实现，以及在
// 持久后端不可用时透明降级为进程内实现的 DegradingStore。
package memory

import (
	"context"
	stdErrors "errors"
	"iter"
	"strings"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

const (
	CodeRecordNotFound   xerrors.Code = "MEMORY_RECORD_NOT_FOUND"
	CodeStoreUnavailable xerrors.Code = "STORE_UNAVAILABLE"
)

// ErrNotFound 表示键不存在或已过期。
var ErrNotFound = xerrors.New(CodeRecordNotFound, "record not found")

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStoreUnavailable, xerrors.Attributes{
		Message:   "memory store unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// Record 是存储的基本单元。ExpiresAt 为零值表示永不过期。
type Record struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Expired 判断记录在给定时刻是否已过期。
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// remaining 返回剩余存活时间，不过期的记录返回 0。
func (r Record) remaining(now time.Time) time.Duration {
	if r.ExpiresAt.IsZero() {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Store 抽象键值存储。实现必须支持并发调用。
type Store interface {
	// Put 写入或覆盖 key，ttl <= 0 表示不过期。
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get 读取 key，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete 删除 key，不存在时返回 ErrNotFound。
	Delete(ctx context.Context, key string) error
	// Keys 惰性枚举以 prefix 开头的键。迭代中途的错误以 ("", err) 形式产出并结束迭代。
	Keys(ctx context.Context, prefix string) iter.Seq2[string, error]
	Close() error
}

// Health 描述存储当前的运行状况。
type Health struct {
	Backend   string    `json:"backend"`
	Degraded  bool      `json:"degraded"`
	Since     time.Time `json:"since,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// HealthReporter 由能够报告自身状况的存储实现。
type HealthReporter interface {
	Health() Health
}

// Unavailable 将后端连接类错误包装为 STORE_UNAVAILABLE。
func Unavailable(cause error, message string) error {
	return xerrors.Wrap(CodeStoreUnavailable, cause, message)
}

// IsUnavailable 判断错误是否为后端不可用。
func IsUnavailable(err error) bool {
	return xerrors.HasCode(err, CodeStoreUnavailable)
}

// IsNotFound 判断错误是否为记录不存在。
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrNotFound)
}

// CollectKeys 将 Keys 的结果收集为切片。
func CollectKeys(ctx context.Context, s Store, prefix string) ([]string, error) {
	var keys []string
	for key, err := range s.Keys(ctx, prefix) {
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "key 不能为空")
	}
	return nil
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
