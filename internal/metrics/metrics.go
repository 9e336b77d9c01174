package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sp500_pipeline"

// Metrics holds the pipeline collectors.
type Metrics struct {
	runs             *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	quoteFailures    *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	rowsMerged       *prometheus.CounterVec
	lastSuccess      prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by terminal state and failure kind.",
		}, []string{"state", "error_kind"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage", "outcome"}),

		quoteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_failures_total",
			Help:      "Symbols without a quote, by failure kind.",
		}, []string{"kind"}),

		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Quote provider HTTP requests by outcome.",
		}, []string{"outcome"}),

		rowsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warehouse_rows_merged_total",
			Help:      "Rows merged into warehouse tables.",
		}, []string{"table"}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that reached LOADED.",
		}),
	}

	reg.MustRegister(
		m.runs,
		m.stageDuration,
		m.quoteFailures,
		m.providerRequests,
		m.rowsMerged,
		m.lastSuccess,
	)
	return m
}

// RunFinished records a run reaching a terminal state.
func (m *Metrics) RunFinished(state, errorKind string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(state, errorKind).Inc()
	if errorKind == "" {
		m.lastSuccess.Set(float64(at.Unix()))
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// QuoteFailure counts a symbol demoted to the failure report.
func (m *Metrics) QuoteFailure(kind string) {
	if m == nil {
		return
	}
	m.quoteFailures.WithLabelValues(kind).Inc()
}

// ProviderRequest counts one quote provider request. Outcome is "ok" or an
// error kind.
func (m *Metrics) ProviderRequest(outcome string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(outcome).Inc()
}

// RowsMerged counts rows merged into table.
func (m *Metrics) RowsMerged(table string, n int64) {
	if m == nil {
		return
	}
	m.rowsMerged.WithLabelValues(table).Add(float64(n))
}
