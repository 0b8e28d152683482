// Package observability registers the Prometheus collectors shared by the
// grading client and the submission flow.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shortgrade"

var (
	registerOnce      sync.Once
	gradingDuration   *prometheus.HistogramVec
	gradingFailures   *prometheus.CounterVec
	gradingRetries    *prometheus.CounterVec
	submissionsTotal  *prometheus.CounterVec
	opinionsTotal     *prometheus.CounterVec
	schemaInitFailure prometheus.Counter
)

// RegisterMetrics initialises and registers the collectors once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		gradingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "request_duration_seconds",
			Help:      "Duration of grading requests to the language model.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"model"})

		gradingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "failures_total",
			Help:      "Number of failed grading attempts by reason.",
		}, []string{"model", "reason"})

		gradingRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "grading",
			Name:      "compat_retries_total",
			Help:      "Number of retries without optional request parameters.",
		}, []string{"model"})

		submissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Answer submissions by outcome.",
		}, []string{"outcome"})

		opinionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opinions_total",
			Help:      "Opinion submissions by outcome.",
		}, []string{"outcome"})

		schemaInitFailure = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_init_failures_total",
			Help:      "Failed attempts to create the submissions table.",
		})

		prometheus.MustRegister(gradingDuration, gradingFailures, gradingRetries,
			submissionsTotal, opinionsTotal, schemaInitFailure)
	})
}

// GradingDuration exposes the grading latency histogram.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDuration
}

// GradingFailures exposes the grading failure counter.
func GradingFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingFailures
}

// GradingRetries exposes the compatibility retry counter.
func GradingRetries() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRetries
}

// Submissions exposes the submission outcome counter.
func Submissions() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionsTotal
}

// Opinions exposes the opinion outcome counter.
func Opinions() *prometheus.CounterVec {
	RegisterMetrics()
	return opinionsTotal
}

// SchemaInitFailures exposes the schema initialisation failure counter.
func SchemaInitFailures() prometheus.Counter {
	RegisterMetrics()
	return schemaInitFailure
}
