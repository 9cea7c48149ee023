package task

import "time"

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	OldestCreated time.Time      `json:"oldest_created,omitempty"`
	NewestCreated time.Time      `json:"newest_created,omitempty"`
}

// Count 返回指定状态的任务数量。
func (s Stats) Count(status Status) int {
	return s.ByStatus[status]
}

// Terminal 返回已进入终态的任务数量。
func (s Stats) Terminal() int {
	return s.Count(StatusCompleted) + s.Count(StatusFailed) + s.Count(StatusPartial)
}

// SuccessRate 返回终态任务中 completed 的占比，没有终态任务时为 0。
func (s Stats) SuccessRate() float64 {
	terminal := s.Terminal()
	if terminal == 0 {
		return 0
	}
	return float64(s.Count(StatusCompleted)) / float64(terminal)
}

func newStats() Stats {
	byStatus := make(map[Status]int, len(Statuses()))
	for _, status := range Statuses() {
		byStatus[status] = 0
	}
	return Stats{ByStatus: byStatus}
}
