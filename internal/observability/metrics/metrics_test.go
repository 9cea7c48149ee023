package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moix-hash/research-agent-system/internal/observability/events"
)

// gathered 返回指定指标族中与标签匹配的第一个样本值。
func gathered(t *testing.T, reg prometheus.Gatherer, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	next:
		for _, metric := range family.GetMetric() {
			pairs := make(map[string]string)
			for _, label := range metric.GetLabel() {
				pairs[label.GetName()] = label.GetValue()
			}
			for k, v := range labels {
				if pairs[k] != v {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue(), true
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue(), true
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func TestCollectorTaskEvents(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	emit := []events.Event{
		{Kind: events.KindTaskTransition, From: "pending", To: "running"},
		{Kind: events.KindStageOutcome, Stage: "research", Outcome: "success", Attempts: 1, Duration: 200 * time.Millisecond},
		{Kind: events.KindStageOutcome, Stage: "writing", Outcome: "failed", Attempts: 3, Duration: time.Second},
		{Kind: events.KindTaskTransition, From: "running", To: "failed", Code: "WORKER_TRANSIENT"},
	}
	for _, event := range emit {
		if err := c.Emit(ctx, event); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	if v, ok := gathered(t, c.Registry(), "research_task_transitions_total", map[string]string{"from": "pending", "to": "running"}); !ok || v != 1 {
		t.Fatalf("unexpected transitions: %v %v", v, ok)
	}
	if v, ok := gathered(t, c.Registry(), "research_tasks_finished_total", map[string]string{"status": "failed", "code": "WORKER_TRANSIENT"}); !ok || v != 1 {
		t.Fatalf("unexpected finished count: %v %v", v, ok)
	}
	if _, ok := gathered(t, c.Registry(), "research_tasks_finished_total", map[string]string{"status": "running"}); ok {
		t.Fatalf("running must not count as finished")
	}
	if v, ok := gathered(t, c.Registry(), "research_stage_outcomes_total", map[string]string{"stage": "writing", "outcome": "failed"}); !ok || v != 1 {
		t.Fatalf("unexpected stage outcomes: %v %v", v, ok)
	}
	if v, ok := gathered(t, c.Registry(), "research_stage_attempts", map[string]string{"stage": "writing"}); !ok || v != 1 {
		t.Fatalf("unexpected attempts samples: %v %v", v, ok)
	}
}

func TestCollectorStoreHealth(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()
	labels := map[string]string{"backend": "redis"}

	_ = c.Emit(ctx, events.Event{Kind: events.KindStoreDegraded, Metadata: labels})
	if v, _ := gathered(t, c.Registry(), "research_store_degraded", labels); v != 1 {
		t.Fatalf("expected degraded gauge 1, got %v", v)
	}
	_ = c.Emit(ctx, events.Event{Kind: events.KindStoreRecovered, Metadata: labels})
	if v, _ := gathered(t, c.Registry(), "research_store_degraded", labels); v != 0 {
		t.Fatalf("expected degraded gauge 0, got %v", v)
	}
	if v, _ := gathered(t, c.Registry(), "research_store_degradations_total", labels); v != 1 {
		t.Fatalf("expected one degradation, got %v", v)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	c := NewCollector()
	router := chi.NewRouter()
	router.Use(c.Middleware)
	router.Get("/api/v1/tasks/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle("/metrics", c.Handler())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/abc", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	labels := map[string]string{"route": "/api/v1/tasks/{id}", "method": http.MethodGet, "code": "404"}
	if v, ok := gathered(t, c.Registry(), "research_http_requests_total", labels); !ok || v != 1 {
		t.Fatalf("unexpected request count: %v %v", v, ok)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `research_http_requests_total{code="404",method="GET",route="/api/v1/tasks/{id}"} 1`) {
		t.Fatalf("exposition missing request counter:\n%s", body)
	}
}
