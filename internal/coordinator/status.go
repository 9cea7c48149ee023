package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/moix-hash/research-agent-system/internal/memory"
	"github.com/moix-hash/research-agent-system/internal/task"
	"github.com/moix-hash/research-agent-system/internal/worker"
)

// SystemStatus 汇总存储降级情况、任务统计与 worker 可用性。
type SystemStatus struct {
	StoreDegraded bool                  `json:"store_degraded"`
	StoreBackend  string                `json:"store_backend"`
	StoreError    string                `json:"store_error,omitempty"`
	DegradedSince time.Time             `json:"degraded_since,omitempty"`
	TaskCounts    map[task.Status]int   `json:"task_counts_by_state"`
	Total         int                   `json:"total"`
	SuccessRate   float64               `json:"success_rate"`
	InFlight      int                   `json:"in_flight"`
	Workers       []worker.Availability `json:"worker_availability"`
	Fallbacks     map[worker.Stage]bool `json:"fallbacks"`
	Sessions      int                   `json:"sessions"`
	CheckedAt     time.Time             `json:"checked_at"`
}

// Healthy 判断存储未降级且全部 worker 可用。
func (s SystemStatus) Healthy() bool {
	if s.StoreDegraded {
		return false
	}
	for _, w := range s.Workers {
		if !w.Available {
			return false
		}
	}
	return true
}

// SystemStatus 返回当前的系统状态。
func (c *Coordinator) SystemStatus(ctx context.Context) SystemStatus {
	stats := c.registry.Stats(ctx)
	status := SystemStatus{
		StoreBackend: "memory",
		TaskCounts:   stats.ByStatus,
		Total:        stats.Total,
		SuccessRate:  stats.SuccessRate(),
		InFlight:     c.InFlight(),
		CheckedAt:    time.Now().UTC(),
	}
	if reporter, ok := c.store.(memory.HealthReporter); ok {
		health := reporter.Health()
		status.StoreBackend = health.Backend
		status.StoreDegraded = health.Degraded
		status.StoreError = health.LastError
		status.DegradedSince = health.Since
	}
	if c.runner != nil {
		status.Workers = c.runner.Workers().Availability(ctx)
		status.Fallbacks = c.runner.Policy().Fallbacks
	}
	if c.sessions != nil {
		count, err := c.sessions.Count(ctx)
		if err != nil {
			c.log.Warn("统计会话数量失败", slog.Any("error", err))
		}
		status.Sessions = count
	}
	return status
}
