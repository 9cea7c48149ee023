package openai

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的大模型服务。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Model 返回使用的模型名称。
func (c *Client) Model() string { return c.model }

// Generate 调用 Chat Completions 接口。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, xerrors.New(llm.CodeRejected, "prompt 不能为空")
	}
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeRejected, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}

	var decoded struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage llm.Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(llm.CodeRejected, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(llm.CodeRejected, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(llm.CodeRejected, "OpenAI 响应内容为空")
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &llm.Response{Content: content, Model: model, Usage: decoded.Usage}, nil
}

// Probe 通过列出模型确认凭据与服务可用。
func (c *Client) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return xerrors.Wrap(llm.CodeRejected, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	type message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystemPrompt
	}
	messages := []message{
		{Role: "system", Content: system},
		{Role: "user", Content: buildUserPrompt(req)},
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}
	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": temperature,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Wrap(llm.CodeRejected, err, "序列化 OpenAI 请求失败")
	}
	return encoded, nil
}

const defaultSystemPrompt = "You are a careful research assistant. Answer precisely and cite uncertainty."

func buildUserPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString(strings.TrimSpace(req.Prompt))

	if len(req.Context) > 0 {
		builder.WriteString("\n\n## Reference material\n")
		for idx, card := range req.Context {
			builder.WriteString(fmt.Sprintf("[%d] %s: %s\n",
				idx+1,
				strings.TrimSpace(card.Title),
				truncate(card.Content),
			))
			if idx >= 4 {
				break
			}
		}
	}
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 400 {
		return string([]rune(text)[:400]) + "..."
	}
	return text
}

// statusError 将限流与服务端错误归为暂时不可用，其余 4xx 归为请求被拒绝。
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := strings.TrimSpace(string(body))
	code := llm.CodeRejected
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		code = llm.CodeUnavailable
	}
	return xerrors.New(code, fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, detail),
		xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && stdErrors.Is(ctxErr, context.Canceled) {
		return ctxErr
	}
	return xerrors.Wrap(llm.CodeUnavailable, err, "请求 OpenAI 失败")
}

var (
	_ llm.Client = (*Client)(nil)
	_ llm.Prober = (*Client)(nil)
)
