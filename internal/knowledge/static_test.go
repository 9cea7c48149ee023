package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryMatchesKeywords(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "Rust", Content: "ownership", Keywords: []string{"rust"}},
		{Title: "General", Content: "cite sources"},
		{Title: "Go", Content: "goroutines", Keywords: []string{"golang", "go "}},
	}, 2)

	got := p.Query("Rust memory safety")
	if len(got) != 2 || got[0].Title != "Rust" || got[1].Title != "General" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
	if got := p.Query("   "); got != nil {
		t.Fatalf("expected no snippets for empty topic, got %+v", got)
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("rust") != nil || nilProvider.Len() != 0 {
		t.Fatalf("nil provider should be empty")
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "kb.yaml")
	if err := os.WriteFile(yamlPath, []byte("- title: Solar\n  content: panel efficiency\n  source: https://example.org/solar\n  keywords: [solar]\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadStaticProvider(yamlPath, 0)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.Len() != 1 || p.Query("solar power")[0].Source != "https://example.org/solar" {
		t.Fatalf("unexpected provider: %+v", p.items)
	}

	jsonPath := filepath.Join(dir, "kb.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"A","content":"B"}]`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if p, err := LoadStaticProvider(jsonPath, 1); err != nil || p.Len() != 1 {
		t.Fatalf("load json: %v", err)
	}

	if _, err := LoadStaticProvider(filepath.Join(dir, "kb.txt"), 1); err == nil {
		t.Fatal("expected unsupported format error")
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "missing.json"), 1); err == nil {
		t.Fatal("expected missing file error")
	}
	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestLoadExampleKnowledge(t *testing.T) {
	p, err := LoadStaticProvider(filepath.Join("..", "..", "deploy", "config", "knowledge.example.yaml"), 3)
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	got := p.Query("AI in Healthcare")
	if len(got) != 2 || got[1].Source == "" {
		t.Fatalf("unexpected snippets: %+v", got)
	}
}
