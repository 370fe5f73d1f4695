// Package metrics holds the Prometheus collectors of the assessment server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "assessments"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Assessment submissions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	findingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_total",
			Help:      "Findings produced by rule evaluation",
		},
		[]string{"type", "severity"},
	)

	ruleFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Rules that errored or panicked during evaluation",
		},
		[]string{"type", "rule"},
	)

	authorLookupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "author_lookup_failures_total",
			Help:      "History authors shown as Unknown because the lookup failed",
		},
	)

	attachmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_total",
			Help:      "Attachment uploads by outcome",
		},
		[]string{"outcome"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RequestStarted marks a request in flight; call the returned func when
// it completes.
func RequestStarted() func() {
	httpRequestsInFlight.Inc()
	return httpRequestsInFlight.Dec
}

// ObserveRequest records a finished request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func ObserveRequest(method, path, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordSubmission counts a submission; outcome is "saved", "rejected" or
// "failed".
func RecordSubmission(assessmentType, outcome string) {
	submissionsTotal.WithLabelValues(assessmentType, outcome).Inc()
}

func RecordFinding(assessmentType, severity string) {
	findingsTotal.WithLabelValues(assessmentType, severity).Inc()
}

func RecordRuleFailure(assessmentType, rule string) {
	ruleFailuresTotal.WithLabelValues(assessmentType, rule).Inc()
}

func RecordAuthorLookupFailure() {
	authorLookupFailuresTotal.Inc()
}

func RecordAttachment(outcome string) {
	attachmentsTotal.WithLabelValues(outcome).Inc()
}
