package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/knowledge"
	"github.com/moix-hash/research-agent-system/internal/llm"
	"github.com/moix-hash/research-agent-system/internal/worker"
)

type stubLLM struct {
	resp  *llm.Response
	err   error
	wait  time.Duration
	calls []llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls = append(s.calls, req)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestResearchParsesJSON(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Content: "```json\n" +
		`{"summary":"AI improves diagnosis","key_findings":["faster triage"," "],"sources":["https://example.org"],"confidence":0.9}` +
		"\n```"}}
	ag := New(llmClient, WithContextDepth(1))

	findings, err := ag.Research(context.Background(), worker.ResearchInput{
		Topic: "AI in Healthcare",
		SessionContext: map[string]json.RawMessage{
			"b": json.RawMessage(`"second"`),
			"a": json.RawMessage(`"first"`),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if findings.Summary != "AI improves diagnosis" || findings.Confidence != 0.9 {
		t.Fatalf("unexpected findings: %+v", findings)
	}
	if len(findings.KeyFindings) != 1 || findings.KeyFindings[0] != "faster triage" {
		t.Fatalf("blank findings should be dropped: %v", findings.KeyFindings)
	}
	req := llmClient.calls[0]
	if !req.JSON || len(req.Context) != 1 || req.Context[0].Title != "a" {
		t.Fatalf("unexpected llm request: %+v", req)
	}
}

func TestWriteAcceptsPlainText(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Content: "Plain body text about a good outcome."}}
	ag := New(llmClient)

	draft, err := ag.Write(context.Background(), worker.WritingInput{Topic: "AI in Healthcare", ContentType: "report", Tone: "academic"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if draft.Title != "AI in Healthcare" || draft.Content != "Plain body text about a good outcome." || draft.WordCount != 7 {
		t.Fatalf("unexpected draft: %+v", draft)
	}
	if !strings.Contains(llmClient.calls[0].Prompt, "report") {
		t.Fatalf("prompt should mention the content type: %q", llmClient.calls[0].Prompt)
	}
}

func TestAnalyzeCombinesModelAndHeuristics(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Content: `{"summary":"solid","recommendations":["add data"],"confidence":0.6}`}}
	ag := New(llmClient)

	report, err := ag.Analyze(context.Background(), worker.AnalysisInput{Draft: worker.Draft{Content: "An excellent healthcare report."}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Summary != "solid" || report.Confidence != 0.6 || report.Sentiment.Label != "positive" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.ContentLength != len("An excellent healthcare report.") {
		t.Fatalf("content length mismatch: %d", report.ContentLength)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"unavailable", xerrors.New(llm.CodeUnavailable, "503"), true},
		{"rejected", xerrors.New(llm.CodeRejected, "400"), false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tc := range cases {
		ag := New(&stubLLM{err: tc.err})
		_, err := ag.Research(context.Background(), worker.ResearchInput{Topic: "x"})
		if worker.IsTransient(err) != tc.transient {
			t.Fatalf("%s: transient = %v, err = %v", tc.name, worker.IsTransient(err), err)
		}
	}

	if _, err := New(&stubLLM{}).Research(context.Background(), worker.ResearchInput{}); worker.IsTransient(err) || err == nil {
		t.Fatalf("empty topic must be a permanent error, got %v", err)
	}
	if _, err := New(nil).Research(context.Background(), worker.ResearchInput{Topic: "x"}); err == nil {
		t.Fatalf("expected error without llm client")
	}
	if _, err := New(&stubLLM{resp: &llm.Response{Content: "  "}}).Research(context.Background(), worker.ResearchInput{Topic: "x"}); worker.IsTransient(err) || err == nil {
		t.Fatalf("empty model output must be permanent, got %v", err)
	}
}

func TestLLMTimeoutIsTransient(t *testing.T) {
	llmClient := &stubLLM{wait: 50 * time.Millisecond}
	ag := New(llmClient, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Research(context.Background(), worker.ResearchInput{Topic: "x"})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) || !worker.IsTransient(err) {
		t.Fatalf("expected transient deadline exceeded, got %v", err)
	}
}

func TestCallerCancellationIsReturnedAsIs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	llmClient := &stubLLM{wait: time.Second}
	ag := New(llmClient)
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := ag.Write(ctx, worker.WritingInput{Topic: "x"})
	if !errors.Is(err, context.Canceled) || worker.IsTransient(err) {
		t.Fatalf("expected plain cancellation, got %v", err)
	}
}

type probingLLM struct {
	stubLLM
	probeErr error
}

func (p *probingLLM) Probe(context.Context) error { return p.probeErr }

func TestAvailabilityUsesProbe(t *testing.T) {
	ag := New(&probingLLM{probeErr: errors.New("401")}, WithName("openai"))
	status := ag.Set().Availability(context.Background())
	for _, s := range status {
		if s.Available || s.Implementation != "openai" || s.Error != "401" {
			t.Fatalf("unexpected availability %+v", s)
		}
	}
	if err := New(&stubLLM{}).Probe(context.Background()); err != nil {
		t.Fatalf("clients without probe are assumed available: %v", err)
	}
}

func TestResearchUsesKnowledge(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Content: `{"summary":"grid storage is growing"}`}}
	kb := knowledge.NewStaticProvider([]knowledge.Snippet{
		{Title: "Batteries", Content: "lithium prices fell", Source: "https://example.org/batteries", Keywords: []string{"storage"}},
		{Title: "Unrelated", Content: "x", Keywords: []string{"quantum"}},
	}, 3)
	ag := New(llmClient, WithKnowledge(kb), WithContextDepth(0))

	findings, err := ag.Research(context.Background(), worker.ResearchInput{Topic: "Energy storage"})
	if err != nil {
		t.Fatalf("research: %v", err)
	}
	cards := llmClient.calls[0].Context
	if len(cards) != 1 || cards[0].Title != "Batteries" {
		t.Fatalf("unexpected context cards: %+v", cards)
	}
	if len(findings.Sources) != 1 || findings.Sources[0] != "https://example.org/batteries" {
		t.Fatalf("expected knowledge source, got %+v", findings.Sources)
	}
}
