// Package worker 定义流水线三个阶段的能力接口及其输入输出结构。
//
// 阶段集合是封闭的：research、writing、analysis，按固定顺序执行。配置只能
// 选择参数，不能引入新的阶段实现种类。Worker 在单次调用内无状态，跨调用的
// 记忆通过输入中的会话上下文显式传入。
package worker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stage 表示流水线阶段。
type Stage string

const (
	StageResearch Stage = "research"
	StageWriting  Stage = "writing"
	StageAnalysis Stage = "analysis"
)

// Stages 返回固定的阶段顺序。
func Stages() []Stage {
	return []Stage{StageResearch, StageWriting, StageAnalysis}
}

// Valid 判断阶段名是否合法。
func (s Stage) Valid() bool {
	switch s {
	case StageResearch, StageWriting, StageAnalysis:
		return true
	}
	return false
}

// ResearchInput 是研究阶段的输入。
type ResearchInput struct {
	TaskID         string                     `json:"task_id"`
	Topic          string                     `json:"topic"`
	Depth          string                     `json:"depth"`
	SessionContext map[string]json.RawMessage `json:"session_context,omitempty"`
}

// Findings 是研究阶段的产出。
type Findings struct {
	Topic       string   `json:"topic"`
	Summary     string   `json:"summary"`
	KeyFindings []string `json:"key_findings"`
	Sources     []string `json:"sources,omitempty"`
	Confidence  float64  `json:"confidence"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// WritingInput 是写作阶段的输入。
type WritingInput struct {
	TaskID         string                     `json:"task_id"`
	Topic          string                     `json:"topic"`
	ContentType    string                     `json:"content_type"`
	Tone           string                     `json:"tone"`
	Length         string                     `json:"length"`
	Findings       Findings                   `json:"findings"`
	SessionContext map[string]json.RawMessage `json:"session_context,omitempty"`
}

// Draft 是写作阶段的产出。
type Draft struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Tone        string `json:"tone"`
	WordCount   int    `json:"word_count"`
	Degraded    bool   `json:"degraded,omitempty"`
}

// AnalysisInput 是分析阶段的输入。
type AnalysisInput struct {
	TaskID         string                     `json:"task_id"`
	Topic          string                     `json:"topic"`
	Draft          Draft                      `json:"draft"`
	Findings       Findings                   `json:"findings"`
	SessionContext map[string]json.RawMessage `json:"session_context,omitempty"`
}

// QualityReport 是分析阶段的产出。
type QualityReport struct {
	Summary         string    `json:"summary"`
	Sentiment       Sentiment `json:"sentiment"`
	Readability     float64   `json:"readability"`
	KeyTopics       []string  `json:"key_topics"`
	ContentLength   int       `json:"content_length"`
	WordCount       int       `json:"word_count"`
	Recommendations []string  `json:"recommendations,omitempty"`
	Confidence      float64   `json:"confidence"`
	Degraded        bool      `json:"degraded,omitempty"`
}

// Researcher 将主题转换为研究结论。
type Researcher interface {
	Research(ctx context.Context, in ResearchInput) (*Findings, error)
}

// Writer 根据研究结论与写作参数生成草稿。
type Writer interface {
	Write(ctx context.Context, in WritingInput) (*Draft, error)
}

// Analyst 评估草稿质量。
type Analyst interface {
	Analyze(ctx context.Context, in AnalysisInput) (*QualityReport, error)
}

// Prober 由能够探测自身可用性的 Worker 实现，例如依赖外部服务的实现。
type Prober interface {
	Probe(ctx context.Context) error
}

// Named 由希望在状态报告中给出可读名称的 Worker 实现。
type Named interface {
	Name() string
}

// Set 是一条流水线所需的全部 Worker。
type Set struct {
	Researcher Researcher
	Writer     Writer
	Analyst    Analyst
}

// Availability 描述某个阶段 Worker 的可用情况。
type Availability struct {
	Stage          Stage  `json:"stage"`
	Available      bool   `json:"available"`
	Implementation string `json:"implementation,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Availability 按阶段顺序报告每个 Worker 是否可用。
func (s Set) Availability(ctx context.Context) []Availability {
	out := make([]Availability, 0, 3)
	for _, stage := range Stages() {
		impl := s.forStage(stage)
		status := Availability{Stage: stage}
		if impl == nil {
			status.Error = "not configured"
			out = append(out, status)
			continue
		}
		status.Implementation = implementationName(impl)
		status.Available = true
		if prober, ok := impl.(Prober); ok {
			if err := prober.Probe(ctx); err != nil {
				status.Available = false
				status.Error = err.Error()
			}
		}
		out = append(out, status)
	}
	return out
}

// Complete 判断三个阶段是否都已配置。
func (s Set) Complete() bool {
	return s.Researcher != nil && s.Writer != nil && s.Analyst != nil
}

func (s Set) forStage(stage Stage) any {
	switch stage {
	case StageResearch:
		if s.Researcher != nil {
			return s.Researcher
		}
	case StageWriting:
		if s.Writer != nil {
			return s.Writer
		}
	case StageAnalysis:
		if s.Analyst != nil {
			return s.Analyst
		}
	}
	return nil
}

func implementationName(impl any) string {
	if named, ok := impl.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", impl)
}

// ResearcherFunc 将函数适配为 Researcher。
type ResearcherFunc func(ctx context.Context, in ResearchInput) (*Findings, error)

// Research 实现 Researcher。
func (f ResearcherFunc) Research(ctx context.Context, in ResearchInput) (*Findings, error) {
	return f(ctx, in)
}

// WriterFunc 将函数适配为 Writer。
type WriterFunc func(ctx context.Context, in WritingInput) (*Draft, error)

// Write 实现 Writer。
func (f WriterFunc) Write(ctx context.Context, in WritingInput) (*Draft, error) {
	return f(ctx, in)
}

// AnalystFunc 将函数适配为 Analyst。
type AnalystFunc func(ctx context.Context, in AnalysisInput) (*QualityReport, error)

// Analyze 实现 Analyst。
func (f AnalystFunc) Analyze(ctx context.Context, in AnalysisInput) (*QualityReport, error) {
	return f(ctx, in)
}
