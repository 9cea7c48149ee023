package worker

import "context"

// CannedResearcher 总是返回固定的研究结论。
type CannedResearcher struct {
	Findings Findings
}

// Name 实现 Named。
func (CannedResearcher) Name() string { return "canned" }

// Research 实现 Researcher。
func (c CannedResearcher) Research(ctx context.Context, _ ResearchInput) (*Findings, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := c.Findings
	out.KeyFindings = append([]string(nil), c.Findings.KeyFindings...)
	out.Sources = append([]string(nil), c.Findings.Sources...)
	return &out, nil
}

// CannedWriter 总是返回固定草稿。
type CannedWriter struct {
	Draft Draft
}

// Name 实现 Named。
func (CannedWriter) Name() string { return "canned" }

// Write 实现 Writer。
func (c CannedWriter) Write(ctx context.Context, _ WritingInput) (*Draft, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := c.Draft
	return &out, nil
}

// CannedAnalyst 总是返回固定质量报告。
type CannedAnalyst struct {
	Report QualityReport
}

// Name 实现 Named。
func (CannedAnalyst) Name() string { return "canned" }

// Analyze 实现 Analyst。
func (c CannedAnalyst) Analyze(ctx context.Context, _ AnalysisInput) (*QualityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := c.Report
	out.KeyTopics = append([]string(nil), c.Report.KeyTopics...)
	out.Recommendations = append([]string(nil), c.Report.Recommendations...)
	return &out, nil
}

// Canned 组合三个固定输出的 Worker。
func Canned(f Findings, d Draft, r QualityReport) Set {
	return Set{
		Researcher: CannedResearcher{Findings: f},
		Writer:     CannedWriter{Draft: d},
		Analyst:    CannedAnalyst{Report: r},
	}
}
