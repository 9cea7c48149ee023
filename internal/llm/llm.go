package llm

import (
	"context"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
)

const (
	// CodeUnavailable 表示模型服务暂时不可用：限流、5xx、网络错误或超时。
	CodeUnavailable xerrors.Code = "LLM_UNAVAILABLE"
	// CodeRejected 表示请求被模型服务拒绝或响应无法使用，重试无意义。
	CodeRejected xerrors.Code = "LLM_REJECTED"
)

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "llm provider unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:   "llm provider rejected the request",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Request 描述一次模型调用。
type Request struct {
	// System 为系统提示词，为空时由实现决定。
	System string
	Prompt string
	// Context 是附加给模型的参考资料。
	Context []ContextCard
	// JSON 要求模型以 JSON 对象作答。
	JSON        bool
	Temperature float64
	MaxTokens   int
}

// ContextCard 表示提供给模型的一段参考资料。
type ContextCard struct {
	Title   string
	Content string
}

// Response 是模型的输出。
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Prober 由能够探测服务可用性的客户端实现。
type Prober interface {
	Probe(ctx context.Context) error
}

// ClientFunc 将函数适配为 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
