// Package pythonbridge 通过外部脚本完成大模型推理：请求以 JSON 写入标准输入，
// 脚本在标准输出返回 JSON 结果。适合复用现有的 Python 模型封装。
package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
type Client struct {
	pythonExec string
	args       []string
	scriptPath string
	workingDir string
	env        []string
}

// Option 定义可选配置。
type Option func(*Client)

// WithArgs 在脚本路径之前追加解释器参数。
func WithArgs(args ...string) Option {
	return func(c *Client) { c.args = append(c.args, args...) }
}

// WithEnv 追加子进程的环境变量，格式为 KEY=VALUE。
func WithEnv(env ...string) Option {
	return func(c *Client) { c.env = append(c.env, env...) }
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string, opts ...Option) (*Client, error) {
	if scriptPath == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	c := &Client{
		pythonExec: pythonExec,
		scriptPath: ResolveScriptPath(workingDir, scriptPath),
		workingDir: workingDir,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type scriptRequest struct {
	System      string       `json:"system,omitempty"`
	Prompt      string       `json:"prompt"`
	Context     []scriptCard `json:"context,omitempty"`
	JSON        bool         `json:"json"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type scriptCard struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type scriptResponse struct {
	Content string    `json:"content"`
	Model   string    `json:"model"`
	Usage   llm.Usage `json:"usage"`
	Error   string    `json:"error"`
}

// Generate 调用外部脚本，并解析输出。
//
// 进程无法启动、异常退出或超时返回 LLM_UNAVAILABLE；输出无法解析、内容为空
// 或脚本显式返回 error 字段时返回 LLM_REJECTED。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := scriptRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		JSON:        req.JSON,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, card := range req.Context {
		payload.Context = append(payload.Context, scriptCard{Title: card.Title, Content: card.Content})
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeRejected, err, "序列化请求失败")
	}

	args := append(append([]string(nil), c.args...), c.scriptPath)
	command := exec.CommandContext(ctx, c.pythonExec, args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	if len(c.env) > 0 {
		command.Env = append(command.Environ(), c.env...)
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, xerrors.Wrap(llm.CodeUnavailable, err, "执行 Python 脚本失败",
			xerrors.WithMetadata("stderr", truncate(strings.TrimSpace(stderr.String()))))
	}

	var resp scriptResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return nil, xerrors.Wrap(llm.CodeRejected, err, "解析 Python 输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.Wrap(llm.CodeRejected, errors.New(resp.Error), "Python 脚本返回错误")
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, xerrors.New(llm.CodeRejected, "Python 脚本返回空内容")
	}
	return &llm.Response{Content: resp.Content, Model: resp.Model, Usage: resp.Usage}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

func truncate(text string) string {
	const limit = 512
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "..."
}
