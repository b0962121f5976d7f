package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for monitoring pipeline health and authority traffic
var (
	ValidationRequestsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "validation_requests_created_total",
			Help: "Total number of validation requests accepted",
		},
	)

	ValidationResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validation_results_total",
			Help: "Total number of terminal validation results by status",
		},
		[]string{"status"},
	)

	AuthorityAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authority_attempts_total",
			Help: "Total number of CEP authority lookups by outcome",
		},
		[]string{"outcome"},
	)

	AuthorityAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "authority_attempt_duration_seconds",
			Help:    "Duration of CEP authority lookups",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExtractionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extraction_failures_total",
			Help: "Total number of receipt extraction failures by kind",
		},
		[]string{"kind"},
	)

	RetriesScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "validation_retries_scheduled_total",
			Help: "Total number of authority retries scheduled",
		},
	)

	LeasesRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "validation_leases_recovered_total",
			Help: "Total number of expired worker leases recovered",
		},
	)

	ClaimedRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "validation_requests_in_flight",
			Help: "Number of validation requests currently leased by this instance",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(ValidationRequestsCreatedTotal)
	prometheus.MustRegister(ValidationResultsTotal)
	prometheus.MustRegister(AuthorityAttemptsTotal)
	prometheus.MustRegister(AuthorityAttemptDuration)
	prometheus.MustRegister(ExtractionFailuresTotal)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(LeasesRecoveredTotal)
	prometheus.MustRegister(ClaimedRequestsInFlight)
}
