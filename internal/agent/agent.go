package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/knowledge"
	"github.com/moix-hash/research-agent-system/internal/llm"
	"github.com/moix-hash/research-agent-system/internal/worker"
)

// defaultContextDepth 是调用大模型时附带的会话上下文条目数量的默认值。
const defaultContextDepth = 5

// Agent 基于大模型实现三个阶段的 Worker。
type Agent struct {
	llmClient    llm.Client
	contextDepth int
	llmTimeout   time.Duration
	name         string
	knowledge    knowledge.Provider
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithContextDepth 设置调用大模型时可参考的会话上下文条目数量。
func WithContextDepth(depth int) Option {
	return func(a *Agent) {
		a.contextDepth = depth
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。调用方传入的 context 仍然生效。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// WithName 设置状态报告中展示的实现名称。
func WithName(name string) Option {
	return func(a *Agent) {
		a.name = name
	}
}

// WithKnowledge 为研究阶段附加本地参考资料。
func WithKnowledge(provider knowledge.Provider) Option {
	return func(a *Agent) {
		a.knowledge = provider
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, opts ...Option) *Agent {
	ag := &Agent{
		llmClient:    llmClient,
		contextDepth: defaultContextDepth,
		name:         "llm",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.contextDepth < 0 {
		ag.contextDepth = 0
	}
	return ag
}

// Set 返回由该 Agent 承担全部阶段的 Worker 集合。
func (a *Agent) Set() worker.Set {
	return worker.Set{Researcher: a, Writer: a, Analyst: a}
}

// Name 实现 worker.Named。
func (a *Agent) Name() string { return a.name }

// Probe 实现 worker.Prober。
func (a *Agent) Probe(ctx context.Context) error {
	if a.llmClient == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if prober, ok := a.llmClient.(llm.Prober); ok {
		return prober.Probe(ctx)
	}
	return nil
}

type researchReply struct {
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"key_findings"`
	Sources     []string `json:"sources"`
	Confidence  float64  `json:"confidence"`
}

// Research 实现 worker.Researcher。
func (a *Agent) Research(ctx context.Context, in worker.ResearchInput) (*worker.Findings, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return nil, worker.Permanent(xerrors.New(xerrors.CodeInvalidArgument, "研究主题不能为空"))
	}
	depth := in.Depth
	if depth == "" {
		depth = "comprehensive"
	}

	prompt := fmt.Sprintf(`Conduct %s research on: %s

Respond with a JSON object:
{"summary": string, "key_findings": [string], "sources": [string], "confidence": number between 0 and 1}
The summary should give an overview, the key findings and an assessment of reliability.`, depth, topic)

	var snippets []knowledge.Snippet
	if a.knowledge != nil {
		snippets = a.knowledge.Query(topic)
	}
	content, err := a.generate(ctx, prompt, in.SessionContext, snippetCards(snippets)...)
	if err != nil {
		return nil, err
	}

	var reply researchReply
	if !decodeJSON(content, &reply) || strings.TrimSpace(reply.Summary) == "" {
		reply = researchReply{Summary: content}
	}
	findings := &worker.Findings{
		Topic:       topic,
		Summary:     strings.TrimSpace(reply.Summary),
		KeyFindings: compact(reply.KeyFindings),
		Sources:     compact(reply.Sources),
		Confidence:  reply.Confidence,
	}
	if len(findings.KeyFindings) == 0 {
		findings.KeyFindings = worker.ExtractKeyFindings(findings.Summary)
	}
	if len(findings.Sources) == 0 {
		for _, snippet := range snippets {
			if snippet.Source != "" {
				findings.Sources = append(findings.Sources, snippet.Source)
			}
		}
	}
	if findings.Confidence <= 0 || findings.Confidence > 1 {
		findings.Confidence = 0.85
	}
	return findings, nil
}

type draftReply struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Write 实现 worker.Writer。
func (a *Agent) Write(ctx context.Context, in worker.WritingInput) (*worker.Draft, error) {
	contentType := in.ContentType
	if contentType == "" {
		contentType = "article"
	}
	tone := in.Tone
	if tone == "" {
		tone = "professional"
	}
	length := in.Length
	if length == "" {
		length = "medium"
	}

	var findings strings.Builder
	for _, f := range in.Findings.KeyFindings {
		findings.WriteString("- ")
		findings.WriteString(f)
		findings.WriteString("\n")
	}
	prompt := fmt.Sprintf(`Based on the following research, write a %s about "%s" in a %s tone, about %d words.

RESEARCH SUMMARY:
%s

KEY FINDINGS:
%s
Requirements: well-structured and engaging, include key insights from the research.
Respond with a JSON object: {"title": string, "content": string}. Use markdown in content.`,
		strings.ReplaceAll(contentType, "_", " "), in.Topic, tone, worker.TargetWords(length),
		in.Findings.Summary, findings.String())

	content, err := a.generate(ctx, prompt, in.SessionContext)
	if err != nil {
		return nil, err
	}

	var reply draftReply
	if !decodeJSON(content, &reply) || strings.TrimSpace(reply.Content) == "" {
		reply = draftReply{Content: content}
	}
	title := strings.TrimSpace(reply.Title)
	if title == "" {
		title = in.Topic
	}
	body := worker.Polish(strings.TrimSpace(reply.Content), contentType, tone)
	return &worker.Draft{
		Title:       title,
		Content:     body,
		ContentType: contentType,
		Tone:        tone,
		WordCount:   worker.WordCount(body),
	}, nil
}

type analysisReply struct {
	Summary         string   `json:"summary"`
	Recommendations []string `json:"recommendations"`
	Confidence      float64  `json:"confidence"`
}

// Analyze 实现 worker.Analyst。模型给出质量评价，情感、可读性与主题由本地规则计算。
func (a *Agent) Analyze(ctx context.Context, in worker.AnalysisInput) (*worker.QualityReport, error) {
	prompt := fmt.Sprintf(`Perform a quality analysis of the following content.

CONTENT:
%s

Respond with a JSON object:
{"summary": string, "recommendations": [string], "confidence": number between 0 and 1}
The summary should assess quality and summarise the key insights.`, in.Draft.Content)

	content, err := a.generate(ctx, prompt, in.SessionContext)
	if err != nil {
		return nil, err
	}

	var reply analysisReply
	if !decodeJSON(content, &reply) || strings.TrimSpace(reply.Summary) == "" {
		reply = analysisReply{Summary: content}
	}
	confidence := reply.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.8
	}
	text := in.Draft.Content
	return &worker.QualityReport{
		Summary:         strings.TrimSpace(reply.Summary),
		Sentiment:       worker.AnalyzeSentiment(text),
		Readability:     worker.Readability(text),
		KeyTopics:       worker.KeyTopics(text),
		ContentLength:   len(text),
		WordCount:       worker.WordCount(text),
		Recommendations: compact(reply.Recommendations),
		Confidence:      confidence,
	}, nil
}

// generate 调用大模型并将失败归类为可重试或不可重试。
func (a *Agent) generate(ctx context.Context, prompt string, sessionContext map[string]json.RawMessage, extra ...llm.ContextCard) (string, error) {
	if a.llmClient == nil {
		return "", worker.Permanent(xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端"))
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llmClient.Generate(llmCtx, llm.Request{
		Prompt:  prompt,
		Context: append(extra, a.contextCards(sessionContext)...),
		JSON:    true,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case stdErrors.Is(err, context.DeadlineExceeded):
			return "", worker.Transient(xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时"))
		case xerrors.RetryableError(err):
			return "", worker.Transient(err)
		default:
			return "", worker.Permanent(err)
		}
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", worker.Permanent(xerrors.New(llm.CodeRejected, "大模型返回内容为空"))
	}
	return strings.TrimSpace(resp.Content), nil
}

// contextCards 将会话上下文转换为参考资料，按键名排序后取前 contextDepth 条。
func (a *Agent) contextCards(sessionContext map[string]json.RawMessage) []llm.ContextCard {
	if a.contextDepth == 0 || len(sessionContext) == 0 {
		return nil
	}
	keys := make([]string, 0, len(sessionContext))
	for key := range sessionContext {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	cards := make([]llm.ContextCard, 0, a.contextDepth)
	for _, key := range keys {
		raw := strings.TrimSpace(string(sessionContext[key]))
		if raw == "" || raw == "null" {
			continue
		}
		cards = append(cards, llm.ContextCard{Title: key, Content: raw})
		if len(cards) == a.contextDepth {
			break
		}
	}
	return cards
}

func snippetCards(snippets []knowledge.Snippet) []llm.ContextCard {
	if len(snippets) == 0 {
		return nil
	}
	cards := make([]llm.ContextCard, 0, len(snippets))
	for _, s := range snippets {
		cards = append(cards, llm.ContextCard{Title: s.Title, Content: s.Content})
	}
	return cards
}

// decodeJSON 解析模型输出中的 JSON 对象，容忍 markdown 代码块包裹。
func decodeJSON(content string, out any) bool {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), out) == nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var (
	_ worker.Researcher = (*Agent)(nil)
	_ worker.Writer     = (*Agent)(nil)
	_ worker.Analyst    = (*Agent)(nil)
	_ worker.Prober     = (*Agent)(nil)
)
