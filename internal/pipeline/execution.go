package pipeline

import (
	"encoding/json"
	"slices"

	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/internal/worker"
)

// execution 保存一次运行中各阶段的产出，用于构造下一阶段的输入。
type execution struct {
	task      *task.Task
	findings  *worker.Findings
	draft     *worker.Draft
	report    *worker.QualityReport
	fallbacks []worker.Stage
}

func (e *execution) researchInput(sessionContext map[string]json.RawMessage) worker.ResearchInput {
	return worker.ResearchInput{
		TaskID:         e.task.ID,
		Topic:          e.task.Topic,
		Depth:          e.task.Depth,
		SessionContext: sessionContext,
	}
}

func (e *execution) writingInput(sessionContext map[string]json.RawMessage) worker.WritingInput {
	in := worker.WritingInput{
		TaskID:         e.task.ID,
		Topic:          e.task.Topic,
		ContentType:    e.task.ContentType,
		Tone:           e.task.Tone,
		Length:         e.task.Length,
		SessionContext: sessionContext,
	}
	if e.findings != nil {
		in.Findings = *e.findings
	}
	return in
}

func (e *execution) analysisInput(sessionContext map[string]json.RawMessage) worker.AnalysisInput {
	in := worker.AnalysisInput{
		TaskID:         e.task.ID,
		Topic:          e.task.Topic,
		SessionContext: sessionContext,
	}
	if e.draft != nil {
		in.Draft = *e.draft
	}
	if e.findings != nil {
		in.Findings = *e.findings
	}
	return in
}

// fallback 返回阶段的降级结果，不读取会话上下文。
func (e *execution) fallback(stage worker.Stage) any {
	switch stage {
	case worker.StageResearch:
		return worker.FallbackFindings(e.researchInput(nil))
	case worker.StageWriting:
		return worker.FallbackDraft(e.writingInput(nil))
	case worker.StageAnalysis:
		return worker.FallbackReport(e.analysisInput(nil))
	}
	return nil
}

func (e *execution) record(stage worker.Stage, output any, status task.StageStatus) {
	switch v := output.(type) {
	case *worker.Findings:
		e.findings = v
	case *worker.Draft:
		e.draft = v
	case *worker.QualityReport:
		e.report = v
	}
	if status == task.StageFallback {
		e.fallbacks = append(e.fallbacks, stage)
	}
}

// artifact 组装最终产物：写作草稿加上研究结论与质量报告。
func (e *execution) artifact() *task.Artifact {
	a := &task.Artifact{}
	if e.draft != nil {
		a.Title = e.draft.Title
		a.Content = e.draft.Content
	}
	if e.findings != nil {
		f := *e.findings
		f.KeyFindings = slices.Clone(f.KeyFindings)
		f.Sources = slices.Clone(f.Sources)
		a.Findings = &f
	}
	if e.report != nil {
		r := *e.report
		r.KeyTopics = slices.Clone(r.KeyTopics)
		r.Recommendations = slices.Clone(r.Recommendations)
		a.Report = &r
	}
	return a
}
