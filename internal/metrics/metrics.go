package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "amews"

var (
	EventsIngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Authentication events accepted for persistence, by source.",
	}, []string{"source"})

	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events rejected or dropped before persistence, by reason.",
	}, []string{"reason"})

	AssessmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assessments_total",
		Help:      "Completed risk assessments, by entity type.",
	}, []string{"entity_type"})

	CompositeScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "composite_score",
		Help:      "Distribution of composite risk scores.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	AlertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_total",
		Help:      "Alerts generated, by severity.",
	}, []string{"severity"})

	AlertsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_suppressed_total",
		Help:      "Alerts withheld before delivery, by reason.",
	}, []string{"reason"})

	TrainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "training_runs_total",
		Help:      "Anomaly model training runs, by result.",
	}, []string{"result"})

	DegradedComputationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_computations_total",
		Help:      "Scoring stages that fell back to a degraded path.",
	}, []string{"stage"})

	BaselineCompletion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "baseline_completion_percent",
		Help:      "Baseline learning completion percentage.",
	})
)

func Register() {
	prometheus.MustRegister(
		EventsIngestedTotal,
		EventsDroppedTotal,
		AssessmentsTotal,
		CompositeScore,
		AlertsTotal,
		AlertsSuppressedTotal,
		TrainingRunsTotal,
		DegradedComputationsTotal,
		BaselineCompletion,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
