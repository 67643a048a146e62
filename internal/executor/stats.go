package executor

import "sync/atomic"

// Stats tracks lifetime counters for the executor. Counters are updated once
// per terminal task transition.
type Stats struct {
	total       atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	totalTokens atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Total       int64 `json:"tasks_processed"`
	Completed   int64 `json:"tasks_completed"`
	Failed      int64 `json:"tasks_failed"`
	TotalTokens int64 `json:"total_tokens"`
}

func (s *Stats) recordCompleted(tokens int64) {
	s.total.Add(1)
	s.completed.Add(1)
	s.totalTokens.Add(tokens)
}

func (s *Stats) recordFailed() {
	s.total.Add(1)
	s.failed.Add(1)
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Total:       s.total.Load(),
		Completed:   s.completed.Load(),
		Failed:      s.failed.Load(),
		TotalTokens: s.totalTokens.Load(),
	}
}

// SuccessRate returns completed over total as a percentage, 0 when no tasks
// have finished.
func (s Snapshot) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total) * 100
}
