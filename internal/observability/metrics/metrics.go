// Package metrics 将编排事件与 HTTP 请求转换为 Prometheus 指标。
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moix-hash/research-agent-system/internal/observability/events"
)

const namespace = "research"

// Collector 持有全部指标，并作为 events.Sink 接收编排事件。
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	terminal      *prometheus.CounterVec
	stageOutcomes *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageAttempts *prometheus.HistogramVec
	storeDegraded *prometheus.GaugeVec
	degradations  *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector 创建使用独立 Registry 的 Collector，附带 Go 运行时与进程指标。
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions.",
		}, []string{"from", "to"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status", "code"}),
		stageOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Pipeline stage outcomes.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		stageAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_attempts",
			Help:      "Worker calls per pipeline stage.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"stage"}),
		storeDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_degraded",
			Help:      "Whether the memory store runs on its in-process fallback (1) or not (0).",
		}, []string{"backend"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_degradations_total",
			Help:      "Memory store switches to the in-process fallback.",
		}, []string{"backend"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"route", "method", "code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route", "method"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.terminal,
		c.stageOutcomes,
		c.stageDuration,
		c.stageAttempts,
		c.storeDegraded,
		c.degradations,
		c.httpRequests,
		c.httpLatency,
	)
	return c
}

// Registry 返回底层 Registry，便于注册额外指标或在测试中采集。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Emit 实现 events.Sink。
func (c *Collector) Emit(_ context.Context, event events.Event) error {
	switch event.Kind {
	case events.KindTaskTransition:
		c.transitions.WithLabelValues(event.From, event.To).Inc()
		if isTerminal(event.To) {
			c.terminal.WithLabelValues(event.To, string(event.Code)).Inc()
		}
	case events.KindStageOutcome:
		c.stageOutcomes.WithLabelValues(event.Stage, event.Outcome).Inc()
		c.stageDuration.WithLabelValues(event.Stage).Observe(event.Duration.Seconds())
		if event.Attempts > 0 {
			c.stageAttempts.WithLabelValues(event.Stage).Observe(float64(event.Attempts))
		}
	case events.KindStoreDegraded:
		backend := event.Metadata["backend"]
		c.storeDegraded.WithLabelValues(backend).Set(1)
		c.degradations.WithLabelValues(backend).Inc()
	case events.KindStoreRecovered:
		c.storeDegraded.WithLabelValues(event.Metadata["backend"]).Set(0)
	}
	return nil
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "failed", "partial":
		return true
	}
	return false
}
