package pipeline

import (
	"maps"
	"time"

	"github.com/moix-hash/research-agent-system/internal/worker"
)

// 默认的阶段执行策略。
const (
	DefaultStageTimeout = 60 * time.Second
	DefaultMaxRetries   = 2
	DefaultBackoff      = 500 * time.Millisecond
)

// Policy 描述单个阶段的超时、重试与降级策略。
type Policy struct {
	// StageTimeout 作用于每一次 worker 调用，而非整个流水线。
	StageTimeout time.Duration
	// MaxRetries 是首次调用之外的最大重试次数，只有瞬时错误会被重试。
	MaxRetries int
	// Backoff 为线性退避的步长，第 n 次重试前等待 n × Backoff。
	Backoff time.Duration
	// Fallbacks 指定哪些阶段在重试耗尽后使用降级结果。
	Fallbacks map[worker.Stage]bool
}

// DefaultPolicy 返回默认策略：research 与 analysis 可降级，writing 不可降级。
func DefaultPolicy() Policy {
	return Policy{
		StageTimeout: DefaultStageTimeout,
		MaxRetries:   DefaultMaxRetries,
		Backoff:      DefaultBackoff,
		Fallbacks: map[worker.Stage]bool{
			worker.StageResearch: true,
			worker.StageWriting:  false,
			worker.StageAnalysis: true,
		},
	}
}

// FallbackEnabled 判断阶段是否允许降级。
func (p Policy) FallbackEnabled(stage worker.Stage) bool {
	return p.Fallbacks[stage]
}

// BackoffFor 返回第 attempt 次重试前的等待时间。
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt <= 0 || p.Backoff <= 0 {
		return 0
	}
	return time.Duration(attempt) * p.Backoff
}

func (p Policy) normalized() Policy {
	if p.StageTimeout <= 0 {
		p.StageTimeout = DefaultStageTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	p.Fallbacks = maps.Clone(p.Fallbacks)
	if p.Fallbacks == nil {
		p.Fallbacks = make(map[worker.Stage]bool)
	}
	return p
}
