// Package metrics defines the prometheus collectors capmap exports.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "capmap"

// Metrics holds every collector.
type Metrics struct {
	SignalsExtracted   *prometheus.CounterVec // kind, status
	UnmappedSignals    prometheus.Counter
	ExtractionFailures prometheus.Counter
	ConsistencyFlags   *prometheus.CounterVec // type
	RowsIngested       *prometheus.CounterVec // outcome
	Anomalies          *prometheus.GaugeVec   // type
	AnomalyRebuilds    *prometheus.CounterVec // outcome
	ToolCalls          *prometheus.CounterVec // tool, outcome
	ToolDuration       *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		SignalsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_extracted_total",
			Help: "Normalized signals produced by the extraction pipeline.",
		}, []string{"kind", "status"}),
		UnmappedSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signals_unmapped_total",
			Help: "Signals left without a canonical name.",
		}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "extraction_failures_total",
			Help: "Rows whose extractor failed and degraded to an empty result.",
		}),
		ConsistencyFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "consistency_flags_total",
			Help: "Consistency flags raised on derived profiles.",
		}, []string{"type"}),
		RowsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_ingested_total",
			Help: "Ingested rows by outcome.",
		}, []string{"outcome"}),
		Anomalies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "anomalies",
			Help: "Anomalies in the current set, by type.",
		}, []string{"type"}),
		AnomalyRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomaly_rebuilds_total",
			Help: "Anomaly rebuild passes by outcome.",
		}, []string{"outcome"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Analytics tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_duration_seconds",
			Help:    "Analytics tool latency.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"tool"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.SignalsExtracted, m.UnmappedSignals, m.ExtractionFailures, m.ConsistencyFlags,
		m.RowsIngested, m.Anomalies, m.AnomalyRebuilds, m.ToolCalls, m.ToolDuration,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeInvalid = "invalid"
)

// ObserveSignal counts one normalized signal.
func (m *Metrics) ObserveSignal(kind, status string, unmapped bool) {
	if m == nil {
		return
	}
	m.SignalsExtracted.WithLabelValues(kind, status).Inc()
	if unmapped {
		m.UnmappedSignals.Inc()
	}
}

// ObserveExtractionFailure counts one degraded extraction.
func (m *Metrics) ObserveExtractionFailure() {
	if m == nil {
		return
	}
	m.ExtractionFailures.Inc()
}

// ObserveFlag counts one consistency flag.
func (m *Metrics) ObserveFlag(flagType string) {
	if m == nil {
		return
	}
	m.ConsistencyFlags.WithLabelValues(flagType).Inc()
}

// ObserveRow counts one ingested row.
func (m *Metrics) ObserveRow(outcome string) {
	if m == nil {
		return
	}
	m.RowsIngested.WithLabelValues(outcome).Inc()
}

// SetAnomalies replaces the anomaly gauge with the counts of a fresh set.
func (m *Metrics) SetAnomalies(byType map[string]int, types []string) {
	if m == nil {
		return
	}
	m.Anomalies.Reset()
	for _, t := range types {
		m.Anomalies.WithLabelValues(t).Set(float64(byType[t]))
	}
	m.AnomalyRebuilds.WithLabelValues(OutcomeOK).Inc()
}

// ObserveRebuildFailure counts a rebuild that rolled back.
func (m *Metrics) ObserveRebuildFailure() {
	if m == nil {
		return
	}
	m.AnomalyRebuilds.WithLabelValues(OutcomeFailed).Inc()
}

// ObserveTool records one tool call.
func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}
