// Package metrics provides Prometheus metrics for the consensus engine:
// counters, gauges, and histograms for submissions, consensus outcomes,
// machine population, and event traffic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Labels ─────────────────────────────────────────────────────────────────

// LabelsSubmitted tracks label submissions by result (accepted or the
// rejection kind).
var LabelsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "labels_submitted_total",
	Help:      "Total label submissions by result.",
}, []string{"result"})

// BatchesSubmitted tracks batch submissions.
var BatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "label_batches_total",
	Help:      "Total batch submissions.",
})

// ─── Consensus ──────────────────────────────────────────────────────────────

// ConsensusCalculations tracks vote aggregations performed.
var ConsensusCalculations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "consensus_calculations_total",
	Help:      "Total consensus calculations.",
})

// ConsensusOutcomes tracks aggregation verdicts (reached, conflict, pending).
var ConsensusOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "consensus_outcomes_total",
	Help:      "Consensus verdicts by outcome.",
}, []string{"outcome"})

// ConsensusLatency tracks vote-aggregation duration in seconds.
var ConsensusLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "labelmint",
	Name:      "consensus_calc_seconds",
	Help:      "Consensus calculation duration in seconds.",
	Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
})

// ─── Machines ───────────────────────────────────────────────────────────────

// MachinesActive tracks the resident state-machine population.
var MachinesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "labelmint",
	Name:      "task_machines_active",
	Help:      "Number of live task state machines.",
})

// TransitionsRejected tracks table-guard rejections.
var TransitionsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "transitions_rejected_total",
	Help:      "Total state transitions rejected by the table guard.",
})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished tracks bus traffic by event type.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "labelmint",
	Name:      "events_published_total",
	Help:      "Total events published to the bus.",
}, []string{"type"})

// EventHistorySize tracks the retained history length.
var EventHistorySize = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "labelmint",
	Name:      "event_history_size",
	Help:      "Events currently retained in bus history.",
})
