package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "github.com/moix-hash/research-agent-system/internal/errors"
	"github.com/moix-hash/research-agent-system/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Path          string
		Body          map[string]any
	}

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		captured.Path = r.URL.Path
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{
				{"message": map[string]any{"content": ` {"summary":"ok"} `}},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 5, "total_tokens": 8},
		})
	})

	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:  "Research AI in Healthcare",
		JSON:    true,
		Context: []llm.ContextCard{{Title: "previous", Content: "notes"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"summary":"ok"}` || resp.Model != "gpt-test" || resp.Usage.TotalTokens != 8 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Path != "/chat/completions" {
		t.Fatalf("unexpected path %q", captured.Path)
	}
	if captured.Body["model"] != defaultModelName {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	if _, ok := captured.Body["response_format"]; !ok {
		t.Fatalf("json mode should request a json object response")
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %v", captured.Body["messages"])
	}
	user, _ := messages[1].(map[string]any)
	if content, _ := user["content"].(string); !strings.Contains(content, "previous: notes") {
		t.Fatalf("reference material missing from prompt: %q", content)
	}
}

func TestGenerateClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status int
		want   xerrors.Code
	}{
		{http.StatusBadRequest, llm.CodeRejected},
		{http.StatusUnauthorized, llm.CodeRejected},
		{http.StatusTooManyRequests, llm.CodeUnavailable},
		{http.StatusInternalServerError, llm.CodeUnavailable},
		{http.StatusBadGateway, llm.CodeUnavailable},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", tc.status)
		})
		_, err := client.Generate(context.Background(), llm.Request{Prompt: "test"})
		if !xerrors.HasCode(err, tc.want) {
			t.Fatalf("status %d: expected %s, got %v", tc.status, tc.want, err)
		}
	}
}

func TestGenerateRejectsEmptyResponses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	})
	if _, err := client.Generate(context.Background(), llm.Request{Prompt: "test"}); !xerrors.HasCode(err, llm.CodeRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{}); !xerrors.HasCode(err, llm.CodeRejected) {
		t.Fatalf("expected empty prompt to be rejected, got %v", err)
	}
}

func TestTransportErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Generate(context.Background(), llm.Request{Prompt: "test"})
	if !xerrors.HasCode(err, llm.CodeUnavailable) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable unavailable error, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	if err := client.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	client.apiKey = "wrong"
	if err := client.Probe(context.Background()); !xerrors.HasCode(err, llm.CodeRejected) {
		t.Fatalf("expected rejected probe, got %v", err)
	}
}
