package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Evaluation counters, labeled by tenant so per-tenant dashboards come
// for free.
var (
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotag",
		Name:      "evaluations_total",
		Help:      "Total record evaluations, by tenant and result.",
	}, []string{"tenant", "result"})

	RuleErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotag",
		Name:      "rule_errors_total",
		Help:      "Rule evaluation errors isolated into traces, by tenant and error kind.",
	}, []string{"tenant", "kind"})

	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "autotag",
		Name:      "batch_duration_seconds",
		Help:      "Wall-clock duration of batch tagging runs.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"tenant"})

	BatchRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autotag",
		Name:      "batch_records_total",
		Help:      "Records processed by batch runs, by tenant and disposition.",
	}, []string{"tenant", "disposition"})
)

// Result label values for EvaluationsTotal.
const (
	ResultMatched   = "matched"
	ResultUnmatched = "unmatched"
	ResultErrored   = "errored"
)
