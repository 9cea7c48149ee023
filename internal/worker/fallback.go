package worker

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

const excerptLimit = 500

// FallbackFindings 返回不依赖外部服务的研究结论，标记为降级结果。
func FallbackFindings(in ResearchInput) *Findings {
	f := templateFindings(in)
	f.Degraded = true
	return f
}

// FallbackDraft 返回不依赖外部服务的草稿，标记为降级结果。
func FallbackDraft(in WritingInput) *Draft {
	d := templateDraft(in)
	d.Degraded = true
	return d
}

// FallbackReport 返回基于本地启发式规则的质量报告，标记为降级结果。
func FallbackReport(in AnalysisInput) *QualityReport {
	r := templateReport(in)
	r.Degraded = true
	return r
}

func templateFindings(in ResearchInput) *Findings {
	depth := in.Depth
	if depth == "" {
		depth = "comprehensive"
	}
	topic := strings.TrimSpace(in.Topic)
	summary := fmt.Sprintf(`# Research Report: %[1]s

## Overview
A %[2]s analysis of %[1]s based on available data sources.

## Key Findings
- Significant developments in the %[1]s field
- Growing adoption and investment
- Technological advancements driving innovation
- Regulatory landscape evolving

## Analysis
%[1]s demonstrates strong potential for continued growth and innovation across multiple sectors.`, topic, depth)

	return &Findings{
		Topic:       topic,
		Summary:     summary,
		KeyFindings: ExtractKeyFindings(summary),
		Confidence:  0.7,
	}
}

func templateDraft(in WritingInput) *Draft {
	contentType := in.ContentType
	if contentType == "" {
		contentType = "article"
	}
	tone := in.Tone
	if tone == "" {
		tone = "professional"
	}
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		topic = in.Findings.Topic
	}
	label := titleCase(strings.ReplaceAll(contentType, "_", " "))
	title := fmt.Sprintf("%s on %s", label, topic)

	excerpt := in.Findings.Summary
	if runes := []rune(excerpt); len(runes) > excerptLimit {
		excerpt = string(runes[:excerptLimit]) + "..."
	}
	var insights strings.Builder
	for _, finding := range in.Findings.KeyFindings {
		insights.WriteString("- ")
		insights.WriteString(strings.TrimLeft(finding, "- "))
		insights.WriteString("\n")
	}

	body := fmt.Sprintf(`# %s

## Executive Summary
This %s synthesizes key research findings on %s in a %s tone.

## Main Content
Based on the research analysis, this %s presents the most significant insights and recommendations for stakeholders.

## Key Insights from Research
%s
%s

## Conclusion
The research demonstrates important implications that warrant further consideration and strategic planning.`,
		title, label, topic, tone, strings.ToLower(label), insights.String(), excerpt)

	content := Polish(body, contentType, tone)
	return &Draft{
		Title:       title,
		Content:     content,
		ContentType: contentType,
		Tone:        tone,
		WordCount:   WordCount(content),
	}
}

func templateReport(in AnalysisInput) *QualityReport {
	content := in.Draft.Content
	return &QualityReport{
		Summary:         "Quality assessment: content appears well-structured and informative. Key insights: coverage of relevant topics.",
		Sentiment:       AnalyzeSentiment(content),
		Readability:     Readability(content),
		KeyTopics:       KeyTopics(content),
		ContentLength:   len(content),
		WordCount:       WordCount(content),
		Recommendations: []string{"Consider adding more specific examples and data points"},
		Confidence:      0.75,
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

type offlineResearcher struct{}

func (offlineResearcher) Name() string { return "offline" }

func (offlineResearcher) Research(ctx context.Context, in ResearchInput) (*Findings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return templateFindings(in), nil
}

type offlineWriter struct{}

func (offlineWriter) Name() string { return "offline" }

func (offlineWriter) Write(ctx context.Context, in WritingInput) (*Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return templateDraft(in), nil
}

type offlineAnalyst struct{}

func (offlineAnalyst) Name() string { return "offline" }

func (offlineAnalyst) Analyze(ctx context.Context, in AnalysisInput) (*QualityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return templateReport(in), nil
}

// Offline 返回完全基于本地模板与启发式规则的 Worker 集合，未配置模型服务时使用。
func Offline() Set {
	return Set{
		Researcher: offlineResearcher{},
		Writer:     offlineWriter{},
		Analyst:    offlineAnalyst{},
	}
}
