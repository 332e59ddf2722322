package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_requests_total",
		Help: "Requests processed by route",
	}, []string{"route"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"stage"})

	E2EDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_e2e_duration_seconds",
		Help:    "End-to-end latency from request entry to flushed trace",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 3.0, 5.0, 10.0, 30.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	GuardrailFlags = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_flags_total",
		Help: "Answers flagged as actionable investment advice",
	})

	GuardrailErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_errors_total",
		Help: "Guardrail classifier hard failures (failed open)",
	})

	FeedbackVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedback_votes_total",
		Help: "User feedback votes by direction",
	}, []string{"vote"})

	WSSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_chat_sessions_active",
		Help: "Currently open WebSocket chat sessions",
	})

	WSSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ws_chat_sessions_total",
		Help: "Total WebSocket chat sessions served",
	})
)
