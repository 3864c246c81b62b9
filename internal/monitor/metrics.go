package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_executions_total",
			Help: "Total terminal workflow executions by workflow and status",
		},
		[]string{"workflow", "status"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowline_execution_duration_seconds",
			Help:    "Wall-clock duration of terminal workflow executions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"workflow"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_steps_total",
			Help: "Total settled step executions by workflow and status",
		},
		[]string{"workflow", "status"},
	)

	stepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_step_retries_total",
			Help: "Total step retry attempts by workflow",
		},
		[]string{"workflow"},
	)

	timelineEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_timeline_events_total",
			Help: "Total timeline events recorded by event type",
		},
		[]string{"event_type"},
	)
)
