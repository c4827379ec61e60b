package service

import (
	"sync"
	"time"

	"github.com/labelmint/labelmint/internal/domain"
)

// Metrics is a point-in-time snapshot of engine-wide aggregates.
type Metrics struct {
	TotalCalculations    int64   `json:"total_calculations"`
	AvgCalcLatencyMs     float64 `json:"avg_calc_latency_ms"`
	ConsensusReachedRate float64 `json:"consensus_reached_rate"`
	ConflictRate         float64 `json:"conflict_rate"`
	AvgLabelsPerTask     float64 `json:"avg_labels_per_task"`
}

// engineMetrics maintains the aggregates with online incremental averaging:
// no recomputation from history, cost O(1) per calculation.
type engineMetrics struct {
	mu            sync.Mutex
	calculations  int64
	reached       int64
	conflicts     int64
	avgLatencyMs  float64
	avgLabelCount float64
}

func (m *engineMetrics) record(result domain.ConsensusResult, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calculations++
	n := float64(m.calculations)
	m.avgLatencyMs += (float64(elapsed.Microseconds())/1000 - m.avgLatencyMs) / n
	m.avgLabelCount += (float64(result.TotalLabels) - m.avgLabelCount) / n
	if result.Reached {
		m.reached++
	}
	if result.Conflict {
		m.conflicts++
	}
}

func (m *engineMetrics) snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Metrics{
		TotalCalculations: m.calculations,
		AvgCalcLatencyMs:  m.avgLatencyMs,
		AvgLabelsPerTask:  m.avgLabelCount,
	}
	if m.calculations > 0 {
		out.ConsensusReachedRate = float64(m.reached) / float64(m.calculations)
		out.ConflictRate = float64(m.conflicts) / float64(m.calculations)
	}
	return out
}

// Metrics returns the engine-wide aggregate snapshot.
func (s *Service) Metrics() Metrics {
	return s.metrics.snapshot()
}
